// Package alerts posts operational notices to a Discord webhook. Every
// category is throttled so a burst of failures produces one message.
package alerts

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"

	"github.com/coah80/heic2jpg/internal/config"
	"github.com/coah80/heic2jpg/internal/logger"
)

const (
	colorOrange = 0xFFA500
	colorRed    = 0xFF4444
	colorGreen  = 0x2ECC71
)

var ErrBadWebhookURL = errors.New("discord webhook url must look like https://discord.com/api/webhooks/<id>/<token>")

type sendFunc func(params *discordgo.WebhookParams) error

// Notifier is safe for concurrent use. A nil or disabled Notifier drops
// every alert.
type Notifier struct {
	send sendFunc
	log  *slog.Logger

	mu        sync.Mutex
	throttles map[string]*rate.Sometimes
	wg        sync.WaitGroup
}

// New returns a Notifier for webhookURL, or a disabled one when it is empty.
func New(webhookURL string) (*Notifier, error) {
	n := &Notifier{
		log:       logger.Component("alerts"),
		throttles: make(map[string]*rate.Sometimes),
	}
	if webhookURL == "" {
		return n, nil
	}
	id, token, err := parseWebhookURL(webhookURL)
	if err != nil {
		return nil, err
	}
	session, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	n.send = func(params *discordgo.WebhookParams) error {
		_, err := session.WebhookExecute(id, token, false, params)
		return err
	}
	return n, nil
}

func parseWebhookURL(raw string) (id, token string, err error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", "", ErrBadWebhookURL
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" && parts[i+1] != "" && parts[i+2] != "" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", ErrBadWebhookURL
}

func (n *Notifier) Enabled() bool {
	return n != nil && n.send != nil
}

// Close waits for alerts already handed to Discord.
func (n *Notifier) Close() {
	if n == nil {
		return
	}
	n.wg.Wait()
}

func (n *Notifier) throttle(category string, cooldown time.Duration) *rate.Sometimes {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.throttles[category]
	if !ok {
		s = &rate.Sometimes{Interval: cooldown}
		if cooldown <= 0 {
			s.Every = 1
		}
		n.throttles[category] = s
	}
	return s
}

func (n *Notifier) notify(category string, cooldown time.Duration, color int, title, description string, fields [][2]string) {
	if !n.Enabled() {
		return
	}
	n.throttle(category, cooldown).Do(func() {
		params := &discordgo.WebhookParams{
			Embeds: []*discordgo.MessageEmbed{buildEmbed(color, title, description, fields)},
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.send(params); err != nil {
				n.log.Warn("discord send failed", slog.String("category", category), slog.Any("error", err))
			}
		}()
	})
}

func buildEmbed(color int, title, description string, fields [][2]string) *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{
		Title:       title,
		Description: truncate(description, 2048),
		Color:       color,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Footer:      &discordgo.MessageEmbedFooter{Text: "heic2jpg " + config.Version},
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: f[0], Value: truncate(f[1], 1024), Inline: true})
	}
	return e
}

func (n *Notifier) ServerStarted(port string) {
	n.notify("server-start", 0, colorGreen, "Server Started",
		fmt.Sprintf("heic2jpg %s listening on :%s", config.Version, port), nil)
}

func (n *Notifier) ServerStopping() {
	n.notify("server-stop", 0, colorOrange, "Server Stopping", "heic2jpg is shutting down", nil)
}

// ConversionFailed reports a request in which no file converted.
func (n *Notifier) ConversionFailed(session string, files int, reason string) {
	n.notify("conversion", 30*time.Second, colorRed, "Conversion Failed", reason, [][2]string{
		{"Session", session},
		{"Files", fmt.Sprint(files)},
	})
}

func (n *Notifier) ArchiveFailed(session string, err error) {
	n.notify("archive", 30*time.Second, colorRed, "Archive Failed", err.Error(), [][2]string{
		{"Session", session},
	})
}

func (n *Notifier) DiskSpaceLow(freeGB float64) {
	n.notify("disk", 10*time.Minute, colorOrange, "Disk Space Low",
		fmt.Sprintf("%.2f GB free in the working directories", freeGB), nil)
}

// RecordSecurityEvent lets the notifier sit alongside the usage counters as
// a security event sink.
func (n *Notifier) RecordSecurityEvent(event string) {
	n.notify("security:"+event, time.Minute, colorOrange, "Security Event", event, nil)
}

func truncate(s string, maxLen int) string {
	if len(s) > maxLen {
		return s[:maxLen-3] + "..."
	}
	return s
}
