package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"unicode/utf8"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mission-talk/server/internal/actor"
	"mission-talk/server/internal/client"
	"mission-talk/server/internal/domain"
	"mission-talk/server/internal/model"
	"mission-talk/server/internal/orchestrator"
	"mission-talk/server/internal/playback"
)

type playOptions struct {
	server    string
	token     string
	missionID string
	noVoice   bool
	player    []string
}

func newPlayCmd() *cobra.Command {
	opts := playOptions{}
	cmd := &cobra.Command{
		Use:   "play",
		Short: "Play a mission in the terminal against a running server",
		Long: `Play a mission in the terminal. Dialogue, scene images and speech are
fetched from a running missiontalk server; replies are revealed character by
character and voiced through an external audio player (ffplay by default).

Type "stop" at any time to end the mission.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return play(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.server, "server", "http://localhost:8080", "missiontalk server base URL")
	cmd.Flags().StringVar(&opts.token, "token", "", "bearer token for authenticated servers")
	cmd.Flags().StringVarP(&opts.missionID, "mission", "m", "", "mission id (first mission when empty)")
	cmd.Flags().BoolVar(&opts.noVoice, "no-voice", false, "disable speech playback")
	cmd.Flags().StringSliceVar(&opts.player, "player", nil, "audio player command reading mp3 from stdin")
	return cmd
}

func play(parent context.Context, opts playOptions) error {
	cfg, log, err := loadRuntime()
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	missions, err := domain.LoadMissions(cfg.Paths.Missions)
	if err != nil {
		return err
	}
	mission, err := pickMission(missions, opts.missionID)
	if err != nil {
		return err
	}

	prompt, err := actor.BuildPrompt(actor.ActorRequest{Mission: mission})
	if err != nil {
		log.Warn("build prompt failed, using fallback", zap.Error(err))
		prompt = actor.BuildFallbackPrompt(mission)
	}

	var clientOpts []client.Option
	if opts.token != "" {
		clientOpts = append(clientOpts, client.WithToken(opts.token))
	}
	proxy := client.New(opts.server, clientOpts...)

	voice := cfg.Presenter.VoiceEnabled && !opts.noVoice
	var player orchestrator.AudioPlayer
	if voice {
		p, err := playback.NewCommandPlayer(opts.player, log)
		if err != nil {
			log.Warn("voice disabled", zap.Error(err))
			voice = false
		} else {
			player = p
		}
	}

	left := make(chan struct{})
	var leaveOnce sync.Once
	p := cfg.Presenter
	sess, err := orchestrator.NewSession(orchestrator.Options{
		Mission:          mission,
		SystemMessage:    prompt.Instructions,
		VoiceEnabled:     voice,
		RevealInterval:   p.RevealInterval,
		TrendDecay:       p.TrendDecay,
		StopDelay:        p.StopDelay,
		MaxMessageLength: p.MaxMessageLength,
		ProgressMode:     p.ProgressMode,
		ProgressStep:     p.ProgressStep,
	}, orchestrator.Deps{
		Dialogue: proxy,
		Image:    proxy,
		Speech:   proxy,
		Player:   player,
		Navigator: orchestrator.NavigatorFunc(func(string) {
			leaveOnce.Do(func() { close(left) })
		}),
		Logger: log,
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	r := newRenderer(mission)
	r.header()

	updates, unsubscribe := sess.Subscribe()
	defer unsubscribe()
	go func() {
		for state := range updates {
			r.render(state)
		}
	}()

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-left:
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			_, err := sess.Submit(ctx, line)
			var verr *orchestrator.ValidationError
			switch {
			case err == nil, errors.As(err, &verr):
				// 校验提示通过状态中的 Notice 展示。
			case errors.Is(err, orchestrator.ErrBusy):
				r.hint("Please wait for the current reply...")
			case errors.Is(err, orchestrator.ErrStopped):
				r.hint("The mission has ended.")
			default:
				return err
			}
		}
	}
}

func pickMission(missions []model.Mission, id string) (model.Mission, error) {
	if len(missions) == 0 {
		return model.Mission{}, errors.New("no missions configured")
	}
	if id == "" {
		return missions[0], nil
	}
	m, ok := domain.FindMission(missions, id)
	if !ok {
		return model.Mission{}, fmt.Errorf("mission %q not found", id)
	}
	return m, nil
}

func readLines(f *os.File, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

// renderer 把状态快照增量地打印到终端。
type renderer struct {
	mission model.Mission

	mu         sync.Mutex
	turnID     string
	printed    int
	finished   bool
	typing     bool
	background string
	notice     string
	stopped    bool

	speaker *color.Color
	faint   *color.Color
	warn    *color.Color
	up      *color.Color
	down    *color.Color
}

func newRenderer(mission model.Mission) *renderer {
	return &renderer{
		mission:    mission,
		background: mission.Image,
		speaker:    color.New(color.FgCyan, color.Bold),
		faint:      color.New(color.Faint),
		warn:       color.New(color.FgYellow),
		up:         color.New(color.FgGreen),
		down:       color.New(color.FgRed),
	}
}

func (r *renderer) header() {
	fmt.Println(color.New(color.Bold).Sprintf("%s", r.mission.Title))
	fmt.Println(r.faint.Sprintf("%s  (companion: %s)", r.mission.Description, r.mission.Companion))
	fmt.Println(r.faint.Sprint(model.PlaybackState{}.Display()))
	fmt.Print("> ")
}

func (r *renderer) hint(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warn.Println(msg)
}

func (r *renderer) render(s model.PlaybackState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.BackgroundURL != "" && s.BackgroundURL != r.background {
		r.background = s.BackgroundURL
		fmt.Println()
		r.faint.Printf("[scene] %s\n", s.BackgroundURL)
	}
	if s.Notice != "" && s.Notice != r.notice {
		r.warn.Println(s.Notice)
	}
	r.notice = s.Notice

	if s.Stopped {
		if !r.stopped {
			r.stopped = true
			r.faint.Printf("Final progress: %d%%\n", s.Progress)
		}
		return
	}

	if s.IsTyping && !r.typing {
		r.faint.Print(r.mission.Companion + " is typing...\n")
	}
	r.typing = s.IsTyping

	if s.TurnID != r.turnID {
		r.turnID = s.TurnID
		r.printed = 0
		r.finished = false
	}
	if r.finished || s.RevealedText == "" || !(s.IsRevealing || s.Phase == model.PhaseIdle) {
		return
	}

	runes := []rune(s.RevealedText)
	if r.printed == 0 && s.Speaker != "" && strings.HasPrefix(s.RevealedText, s.Speaker+": ") {
		r.speaker.Print(s.Speaker + ": ")
		r.printed = utf8.RuneCountInString(s.Speaker + ": ")
	}
	if r.printed < len(runes) {
		fmt.Print(string(runes[r.printed:]))
		r.printed = len(runes)
	}

	if s.Phase == model.PhaseIdle && !s.IsRevealing {
		fmt.Println()
		r.progress(s)
		if s.Completed {
			r.up.Println("Mission complete!")
		}
		fmt.Print("> ")
		r.finished = true
	}
}

func (r *renderer) progress(s model.PlaybackState) {
	switch s.ProgressTrend {
	case model.TrendIncrease:
		r.up.Printf("Progress: %d%% ▲\n", s.Progress)
	case model.TrendDecrease:
		r.down.Printf("Progress: %d%% ▼\n", s.Progress)
	default:
		r.faint.Printf("Progress: %d%%\n", s.Progress)
	}
}
