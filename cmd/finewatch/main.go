// finewatch signs in as one partner, opens their couple and logs every
// balance and connection change until interrupted. It can also record a
// single fine and exit.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dukerupert/finepair/internal/apperr"
	"github.com/dukerupert/finepair/internal/backend"
	"github.com/dukerupert/finepair/internal/backend/rest"
	"github.com/dukerupert/finepair/internal/broadcast"
	"github.com/dukerupert/finepair/internal/config"
	"github.com/dukerupert/finepair/internal/logging"
	"github.com/dukerupert/finepair/internal/model"
	"github.com/dukerupert/finepair/internal/realtime"
	"github.com/dukerupert/finepair/internal/session"
	"github.com/dukerupert/finepair/internal/state"
	"github.com/dukerupert/finepair/internal/websocket"
)

const usage = `usage:
  finewatch                                    watch the configured (or first) couple
  finewatch join <code>                        join a couple by code, then watch it
  finewatch fine <violator> <rule|-> [amount]  record a fine, e.g. "fine bob - 2.50"`

// command is a parsed command line. A nil fine means watch.
type command struct {
	joinCode string
	fine     *session.NewViolation
}

func parseArgs(args []string) (command, error) {
	switch {
	case len(args) == 0:
		return command{}, nil
	case len(args) == 2 && args[0] == "join":
		return command{joinCode: args[1]}, nil
	case (len(args) == 3 || len(args) == 4) && args[0] == "fine":
		in := session.NewViolation{ViolatorID: args[1]}
		if args[2] != "-" {
			in.RuleID = args[2]
		}
		if len(args) == 4 {
			amount, err := model.ParseAmount(args[3])
			if err != nil {
				return command{}, fmt.Errorf("invalid amount %q: %w", args[3], err)
			}
			in.Amount = &amount
		}
		if in.RuleID == "" && in.Amount == nil {
			return command{}, errors.New("fine needs a rule or an amount")
		}
		return command{fine: &in}, nil
	}
	return command{}, errors.New(usage)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.Log.Level, cfg.Log.Format)

	cmd, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := run(cfg, logger, cmd); err != nil {
		slog.Error("finewatch failed", "error", err, "hint", apperr.Message(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger, cmd command) error {
	if err := cfg.ValidateClient(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := rest.New(rest.Config{
		BaseURL:     cfg.Client.APIURL,
		AccessToken: cfg.Client.AccessToken,
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
	}, logger)

	coupleID, err := resolveCouple(ctx, client, cfg.Client.CoupleID, cmd.joinCode)
	if err != nil {
		return err
	}

	var (
		rt    backend.Realtime
		relay session.Relay
	)
	switch cfg.Realtime.Mode {
	case config.ModeBroadcast:
		br := broadcast.NewBus(logger.With("component", "broadcast")).Bridge("finepair")
		defer br.Close()
		rt, relay = br, br
	case config.ModeWebSocket, "":
		wrt := websocket.NewRealtime(websocket.DialConfig{
			URL:               cfg.Client.RealtimeURL,
			AccessToken:       cfg.Client.AccessToken,
			JoinTimeout:       cfg.Realtime.JoinTimeout,
			HeartbeatInterval: cfg.Realtime.HeartbeatInterval,
		}, logger)
		defer wrt.Close()
		rt = wrt
	default:
		return fmt.Errorf("unknown realtime.mode %q", cfg.Realtime.Mode)
	}

	store := state.NewStore(state.Initial())
	sess := session.New(client, rt, store, relay, logger)
	defer sess.Close()

	watchBalance(store, logger)
	sess.Channels().OnStatus(func(st realtime.ConnectionStatus) {
		logger.Info("connection", "connected", st.IsConnected, "status", st.SubscriptionStatus, "error", st.LastError)
	})

	if err := sess.Open(ctx, cfg.Client.UserID, coupleID); err != nil {
		return err
	}
	if cmd.fine != nil {
		v, err := sess.RecordViolation(ctx, *cmd.fine)
		if err != nil {
			return err
		}
		logger.Info("fine recorded", "id", v.ID, "violator", v.ViolatorID,
			"amount", model.FormatAmount(v.Amount), "balance", model.FormatAmount(store.Snapshot().Balance()))
		return nil
	}
	snap := store.Snapshot()
	partner := "(waiting for partner)"
	if p := sess.Partner(); p != nil {
		partner = p.DisplayName
	}
	logger.Info("watching couple", "couple", snap.Couple.Name, "join_code", snap.Couple.JoinCode,
		"partner", partner, "balance", model.FormatAmount(snap.Balance()))

	<-ctx.Done()
	return nil
}

// resolveCouple picks the couple to watch: the joined one, the configured
// one, or the first the user belongs to.
func resolveCouple(ctx context.Context, client *rest.Client, configured, joinCode string) (string, error) {
	if joinCode != "" {
		var c model.Couple
		if err := client.RPC(ctx, "join_couple", map[string]string{"join_code": joinCode}, &c); err != nil {
			return "", fmt.Errorf("join couple: %w", err)
		}
		return c.ID, nil
	}
	if configured != "" {
		return configured, nil
	}

	rows, err := client.Select(ctx, model.TableCouples, nil)
	if err != nil {
		return "", fmt.Errorf("find couple: %w", err)
	}
	if len(rows) == 0 {
		return "", errors.New("you are not in a couple yet; run `finewatch join <code>`")
	}
	id, _ := rows[0]["id"].(string)
	return id, nil
}

func watchBalance(store *state.Store, logger *slog.Logger) {
	var (
		mu     sync.Mutex
		last   int64
		loaded bool
	)
	store.Subscribe(func(s state.Snapshot) {
		if s.Loading || s.Couple == nil {
			return
		}
		balance := s.Balance()

		mu.Lock()
		changed := !loaded || balance != last
		prev := last
		last, loaded = balance, true
		mu.Unlock()

		if changed {
			logger.Info("balance", "amount", model.FormatAmount(balance), "delta", model.FormatAmount(balance-prev))
		}
	})
}
