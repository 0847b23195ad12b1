// The demo binary opens a channel session against a running relay, sends a
// couple of messages and mirrors the live view to stdout. Run the relay
// first, then one or more demos with different -user flags.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/chatsync/internal/api"
	"github.com/chatsync/internal/config"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/session"
)

func main() {
	logger.SetPrefix("demo")
	user := flag.String("user", "demo", "user id / display name")
	channel := flag.String("channel", "general", "channel id")
	flag.Parse()

	cfg := config.Load()
	client := api.NewClient(cfg.APIBaseURL)
	viewer := model.UserPublic{ID: *user, Username: *user}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sess, err := session.Open(ctx, session.Deps{
		Loader:          client,
		Writer:          client,
		Uploader:        client,
		Resolver:        client,
		FeedURL:         cfg.FeedURL,
		HistoryLimit:    cfg.HistoryLimit,
		TypingWindow:    cfg.TypingWindow(),
		ResubscribeMax:  cfg.ResubscribeMax,
		ResubscribeBase: cfg.ResubscribeBase(),
		OnChange:        func() {},
	}, viewer, *channel)
	if err != nil {
		logger.Errorf("open session: %v", err)
		os.Exit(1)
	}
	defer sess.Close()

	fmt.Printf("joined #%s as %s. type a message, /react <n> <emoji>, /quit\n", *channel, *user)
	render(sess)

	go func() {
		for {
			time.Sleep(time.Second)
			render(sess)
		}
	}()

	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return
		case strings.HasPrefix(line, "/react "):
			parts := strings.Fields(line)
			if len(parts) != 3 {
				fmt.Println("usage: /react <index> <emoji>")
				continue
			}
			msgs := sess.Messages()
			var idx int
			fmt.Sscanf(parts[1], "%d", &idx)
			if idx < 1 || idx > len(msgs) {
				fmt.Println("no such message")
				continue
			}
			sess.AddReaction(msgs[idx-1].ID, parts[2])
		default:
			sess.SignalTyping()
			if _, err := sess.Send(context.Background(), line, model.KindText, nil); err != nil {
				logger.Errorf("send: %v", err)
			}
		}
	}
}

func render(s *session.Session) {
	msgs := s.Messages()
	fmt.Printf("--- #%s (%s, feed %s) ---\n", s.ChannelID(), time.Now().Format("15:04:05"), s.FeedState())
	for i, m := range msgs {
		status := ""
		if m.Status == model.StatusPending {
			status = " (sending…)"
		} else if m.Status == model.StatusFailed {
			status = " (failed)"
		}
		line := fmt.Sprintf("%2d. %s: %s%s", i+1, m.AuthorID, m.Content, status)
		for _, t := range s.Reactions(m.ID) {
			line += fmt.Sprintf("  [%s %d]", t.Emoji, t.Count)
		}
		if n := s.ReplyCount(m.ID); n > 0 {
			line += fmt.Sprintf("  (%d replies)", n)
		}
		fmt.Println(line)
	}
	if txt := s.TypingText(); txt != "" {
		fmt.Println(txt)
	}
}
