package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/watchroom/watchroom/internal/config"
	"github.com/watchroom/watchroom/internal/domain"
	"github.com/watchroom/watchroom/internal/restapi"
	"github.com/watchroom/watchroom/internal/session"
	"github.com/watchroom/watchroom/internal/transport"
	"github.com/watchroom/watchroom/internal/wire"
)

func main() {
	username := flag.String("user", "guest", "display name")
	roomID := flag.String("room", "", "room id to join; empty creates a new room")
	roomName := flag.String("name", "movie night", "name for a newly created room")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}

	if err := run(ctx, cfg, *username, *roomID, *roomName); err != nil {
		log.Fatal().Err(err).Msg("session ended")
	}
}

func run(ctx context.Context, cfg *config.Config, username, roomID, roomName string) error {
	api := restapi.New(cfg.ServerURL)
	if _, err := api.Login(ctx, username, ""); err != nil {
		return fmt.Errorf("login: %w", err)
	}

	id := domain.RoomID(roomID)
	if id == "" {
		created, err := api.CreateRoom(ctx, roomName)
		if err != nil {
			return fmt.Errorf("create room: %w", err)
		}
		id = created
		fmt.Printf("room created: %s\n", id)
	}

	membership, err := api.Membership(id)
	if err != nil {
		return err
	}

	sess := session.New(session.Options{
		ServerURL:   cfg.ServerURL,
		STUNServers: cfg.STUNServers,
		DedupWindow: cfg.DedupWindow,
		Transport: transport.Options{
			ReadLimit:  cfg.ReadLimit,
			PingPeriod: cfg.PingPeriod,
			WriteWait:  cfg.WriteWait,
		},
	})
	if err := sess.Join(ctx, membership); err != nil {
		return fmt.Errorf("join: %w", err)
	}
	defer sess.Leave()

	go printEvents(sess)

	fmt.Println("commands: /share <url> /play [pos] /pause [pos] /seek <pos> /call /hangup /mute /leave; anything else is chat")
	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if done := handleLine(sess, line); done {
				return nil
			}
		}
	}
}

func handleLine(sess *session.Session, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	fields := strings.Fields(line)

	var err error
	switch fields[0] {
	case "/leave":
		return true
	case "/share":
		if len(fields) < 2 {
			fmt.Println("usage: /share <url>")
			return false
		}
		var canonical string
		canonical, err = sess.ShareVideo(fields[1])
		if err == nil {
			fmt.Printf("sharing %s\n", canonical)
		}
	case "/play":
		err = sess.ControlVideo(wire.ActionPlay, parsePos(fields, sess))
	case "/pause":
		err = sess.ControlVideo(wire.ActionPause, parsePos(fields, sess))
	case "/seek":
		if len(fields) < 2 {
			fmt.Println("usage: /seek <seconds>")
			return false
		}
		err = sess.ControlVideo(wire.ActionSeek, parsePos(fields, sess))
	case "/call":
		err = sess.StartCall()
	case "/hangup":
		sess.EndCall()
	case "/mute":
		sess.SetAudioMuted(true)
	case "/unmute":
		sess.SetAudioMuted(false)
	default:
		err = sess.SendChat(line)
	}
	if err != nil {
		fmt.Printf("error: %v\n", err)
	}
	return false
}

func parsePos(fields []string, sess *session.Session) float64 {
	if len(fields) > 1 {
		if v, err := strconv.ParseFloat(fields[1], 64); err == nil {
			return v
		}
	}
	return sess.VideoState().Position
}

func printEvents(sess *session.Session) {
	for {
		select {
		case users, ok := <-sess.PresenceEvents():
			if !ok {
				return
			}
			names := make([]string, 0, len(users))
			for _, u := range users {
				names = append(names, u.Username)
			}
			fmt.Printf("* in room: %s\n", strings.Join(names, ", "))
		case e := <-sess.ChatEvents():
			fmt.Printf("%s: %s\n", e.From, e.Text)
		case st := <-sess.VideoEvents():
			fmt.Printf("* video: url=%s playing=%v pos=%.1fs\n", st.SourceURL, st.Playing, st.Position)
		case ev := <-sess.CallEvents():
			fmt.Printf("* call %s: %s\n", ev.Peer, ev.State)
		case st := <-sess.ConnEvents():
			fmt.Printf("* connection: %s\n", st)
		}
	}
}
