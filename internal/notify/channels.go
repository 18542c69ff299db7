package notify

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JonMunkholm/timetable-import/internal/cache"
)

// Channel names.
const (
	ChannelEmail = "email"
	ChannelInApp = "in_app"
	ChannelPush  = "push"
)

// Channel delivers one message to one user.
type Channel interface {
	Name() string
	Send(ctx context.Context, prefs Preferences, msg Message) error
}

// EmailChannel sends plain-text mail over SMTP, upgrading with STARTTLS when
// the server offers it.
type EmailChannel struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

func (c *EmailChannel) Name() string { return ChannelEmail }

func (c *EmailChannel) Send(ctx context.Context, prefs Preferences, msg Message) error {
	addr := net.JoinHostPort(c.Host, strconv.Itoa(c.Port))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial smtp %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, c.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: c.Host, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if c.Username != "" {
		if ok, _ := client.Extension("AUTH"); ok {
			if err := client.Auth(smtp.PlainAuth("", c.Username, c.Password, c.Host)); err != nil {
				return fmt.Errorf("smtp auth: %w", err)
			}
		}
	}

	if err := client.Mail(c.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := client.Rcpt(prefs.Email); err != nil {
		return fmt.Errorf("smtp rcpt %s: %w", prefs.Email, err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := io.WriteString(w, c.compose(prefs.Email, msg)); err != nil {
		w.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp end data: %w", err)
	}
	return client.Quit()
}

func (c *EmailChannel) compose(to string, msg Message) string {
	var b strings.Builder
	b.WriteString("From: " + c.From + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + headerSafe(msg.Title) + "\r\n")
	b.WriteString("Date: " + time.Now().UTC().Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("X-Import-Job: " + headerSafe(msg.JobID) + "\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(msg.Message, "\n", "\r\n"))
	b.WriteString("\r\n")
	return b.String()
}

// headerSafe strips line breaks so values cannot inject headers.
func headerSafe(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}

// InAppChannel keeps a capped, expiring list of recent messages per user in
// Redis under <prefix>:notifications:<userID>.
type InAppChannel struct {
	client *redis.Client
	keys   cache.Keyspace
	limit  int64
	ttl    time.Duration
}

func NewInAppChannel(client *redis.Client, prefix string, limit int, ttl time.Duration) *InAppChannel {
	if limit <= 0 {
		limit = 100
	}
	return &InAppChannel{client: client, keys: cache.Keyspace(prefix), limit: int64(limit), ttl: ttl}
}

func (c *InAppChannel) Name() string { return ChannelInApp }

func (c *InAppChannel) key(userID string) string { return c.keys.Key("notifications", userID) }

func (c *InAppChannel) Send(ctx context.Context, prefs Preferences, msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	key := c.key(msg.UserID)
	_, err = c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, key, raw)
		p.LTrim(ctx, key, 0, c.limit-1)
		if c.ttl > 0 {
			p.Expire(ctx, key, c.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store in-app notification: %w", err)
	}
	return nil
}

// Recent returns up to n newest messages of a user.
func (c *InAppChannel) Recent(ctx context.Context, userID string, n int) ([]Message, error) {
	raws, err := c.client.LRange(ctx, c.key(userID), 0, int64(n)-1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read in-app notifications: %w", err)
	}
	out := make([]Message, 0, len(raws))
	for _, raw := range raws {
		var m Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

const userAgent = "timetable-import/1.0"

// PushChannel posts to an ntfy-compatible server at <BaseURL>/<topic>.
type PushChannel struct {
	BaseURL string
	Client  *http.Client
}

func NewPushChannel(baseURL string, timeout time.Duration) *PushChannel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PushChannel{BaseURL: strings.TrimRight(baseURL, "/"), Client: &http.Client{Timeout: timeout}}
}

func (c *PushChannel) Name() string { return ChannelPush }

func (c *PushChannel) Send(ctx context.Context, prefs Preferences, msg Message) error {
	endpoint := c.BaseURL + "/" + prefs.PushTopic
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(msg.Message))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	req.Header.Set("Title", headerSafe(msg.Title))
	req.Header.Set("Tags", "timetable,"+string(msg.Kind))
	if msg.Kind == KindFailed {
		req.Header.Set("Priority", "high")
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("send push notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("push server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
