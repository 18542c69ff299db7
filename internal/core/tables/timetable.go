package tables

import "github.com/JonMunkholm/timetable-import/internal/core"

func init() {
	registerVenues()
	registerLecturers()
	registerCourses()
	registerSchedules()
}

func registerVenues() {
	core.Register(core.EntityDefinition{
		Type:     core.EntityVenue,
		Label:    "Venues",
		Table:    "venues",
		KeyField: "venue.name",
		Order:    1,
		Fields: []core.FieldSpec{
			{Name: "venue.name", Type: core.FieldText, Required: true, MatchWeight: 0.75,
				Aliases: []string{"venue", "room", "room_name", "location", "venue_name"}, Normalizer: NormalizeSpaces},
			{Name: "venue.building", Type: core.FieldText, MatchWeight: 0.25,
				Aliases: []string{"building", "block", "site"}, Normalizer: NormalizeSpaces},
			{Name: "venue.capacity", Type: core.FieldNumeric,
				Aliases: []string{"capacity", "seats", "room_capacity"}},
		},
	})
}

func registerLecturers() {
	core.Register(core.EntityDefinition{
		Type:     core.EntityLecturer,
		Label:    "Lecturers",
		Table:    "lecturers",
		KeyField: "lecturer.name",
		Order:    2,
		Fields: []core.FieldSpec{
			{Name: "lecturer.name", DBColumn: "full_name", Type: core.FieldText, Required: true, MatchWeight: 0.6,
				Aliases: []string{"lecturer", "teacher", "instructor", "staff", "lecturer_name"}, Normalizer: NormalizeSpaces},
			{Name: "lecturer.email", Type: core.FieldEmail, MatchWeight: 0.4, ExactMatch: true,
				Aliases: []string{"email", "lecturer_email", "e_mail", "instructor_email"}, Normalizer: NormalizeEmail},
			{Name: "lecturer.department", Type: core.FieldText,
				Aliases: []string{"department", "dept", "faculty"}, Normalizer: NormalizeSpaces},
		},
	})
}

func registerCourses() {
	core.Register(core.EntityDefinition{
		Type:     core.EntityCourse,
		Label:    "Courses",
		Table:    "courses",
		KeyField: "course.code",
		Order:    3,
		Fields: []core.FieldSpec{
			{Name: "course.code", Type: core.FieldText, Required: true, MatchWeight: 0.6,
				Aliases: []string{"code", "course", "module_code", "course_code", "subject_code"}, Normalizer: NormalizeCourseCode},
			{Name: "course.title", Type: core.FieldText, MatchWeight: 0.4,
				Aliases: []string{"title", "course_name", "module", "module_name", "subject", "course_title"}, Normalizer: NormalizeSpaces},
			{Name: "course.credits", Type: core.FieldNumeric,
				Aliases: []string{"credits", "units", "ects"}},
		},
	})
}

func registerSchedules() {
	core.Register(core.EntityDefinition{
		Type:     core.EntitySchedule,
		Label:    "Schedules",
		Table:    "schedules",
		KeyField: "",
		Order:    4,
		Fields: []core.FieldSpec{
			{Name: "schedule.day", DBColumn: "day_of_week", Type: core.FieldEnum, Required: true, EnumValues: Weekdays,
				Aliases: []string{"day", "weekday", "day_of_week"}, Normalizer: NormalizeDay},
			{Name: "schedule.start_time", Type: core.FieldTime, Required: true,
				Aliases: []string{"start", "start_time", "from", "begins"}, Normalizer: NormalizeClock},
			{Name: "schedule.end_time", Type: core.FieldTime, Required: true,
				Aliases: []string{"end", "end_time", "to", "until", "finishes"}, Normalizer: NormalizeClock},
			{Name: "schedule.start_date", Type: core.FieldDate,
				Aliases: []string{"start_date", "term_start", "from_date"}},
			{Name: "schedule.end_date", Type: core.FieldDate,
				Aliases: []string{"end_date", "term_end", "to_date"}},
			{Name: "schedule.group", DBColumn: "group_name", Type: core.FieldText,
				Aliases: []string{"group", "class", "section", "cohort"}, Normalizer: NormalizeSpaces},
		},
	})
}
