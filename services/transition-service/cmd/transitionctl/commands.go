package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/mentorflow/libs/kafkax"
	"github.com/md-rashed-zaman/mentorflow/services/transition-service/internal/consumer"
	"github.com/md-rashed-zaman/mentorflow/services/transition-service/internal/lock"
	"github.com/md-rashed-zaman/mentorflow/services/transition-service/internal/model"
	"github.com/md-rashed-zaman/mentorflow/services/transition-service/internal/store"
	"github.com/md-rashed-zaman/mentorflow/services/transition-service/internal/transition"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/spf13/cobra"
)

// openFunc returns the store to work on and a func that releases it.
type openFunc func(ctx context.Context, databaseURL string) (store.Store, func(), error)

type rootOptions struct {
	databaseURL string
	timezone    string
	redisAddr   string
	open        openFunc
	out         io.Writer
}

func newRootCmd(open openFunc, out io.Writer) *cobra.Command {
	opts := &rootOptions{open: open, out: out}

	root := &cobra.Command{
		Use:           "transitionctl",
		Short:         "Inspect and reconcile a user's appointment categories",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&opts.databaseURL, "database-url", getenv("DATABASE_URL", ""), "postgres connection string")
	root.PersistentFlags().StringVar(&opts.timezone, "timezone", getenv("APPT_TIMEZONE", "Europe/London"), "IANA zone appointment times are written in")
	root.PersistentFlags().StringVar(&opts.redisAddr, "redis-addr", getenv("REDIS_ADDR", ""), "redis address of the per-user pass lock (optional)")

	root.AddCommand(newReconcileCmd(opts), newListCmd(opts), newTriggerCmd(opts))
	return root
}

func newReconcileCmd(opts *rootOptions) *cobra.Command {
	var (
		userID string
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one pass for a user, or print the moves it would make",
		Long: `Reads the user's upcoming and progress appointments and moves the ones whose
window has started or ended. With --dry-run nothing is written.

No watches are armed; the running service picks up the moves on its own.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			engine, closeFn, err := opts.engine(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			if dryRun {
				moves, err := engine.Plan(ctx, userID)
				if err != nil {
					return err
				}
				return writeJSON(opts.out, planOutput(userID, moves))
			}
			report, err := engine.Activate(ctx, userID)
			if errors.Is(err, lock.ErrHeld) {
				return fmt.Errorf("a pass for %s is already running elsewhere", userID)
			}
			if err != nil {
				return err
			}
			if err := writeJSON(opts.out, reportOutput(report)); err != nil {
				return err
			}
			if report.Failed() > report.Duplicates() {
				return fmt.Errorf("%d move(s) failed", report.Failed()-report.Duplicates())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print planned moves without applying them")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newListCmd(opts *rootOptions) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print a user's appointments grouped by category",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, closeFn, err := opts.open(cmd.Context(), opts.databaseURL)
			if err != nil {
				return err
			}
			defer closeFn()

			snap, err := st.Read(cmd.Context(), userID)
			if err != nil {
				return err
			}
			out := make(map[string][]appointmentOutput, len(model.Categories))
			for _, c := range model.Categories {
				items := make([]appointmentOutput, 0, len(snap.Categories[c]))
				for _, a := range snap.Categories[c] {
					items = append(items, appointmentOutput{ID: a.ID, Date: a.Date, StartTime: a.StartTime, EndTime: a.EndTime})
				}
				out[string(c)] = items
			}
			return writeJSON(opts.out, out)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newTriggerCmd(opts *rootOptions) *cobra.Command {
	var (
		userID  string
		brokers string
		topic   string
	)
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Publish an app-opened event for a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(kafkax.SplitBrokers(brokers)) == 0 {
				return errors.New("--brokers or KAFKA_BROKERS is required")
			}
			eventID := uuid.NewString()
			msg, err := consumer.TriggerMessage(cmd.Context(), eventID, userID)
			if err != nil {
				return err
			}
			w := &kafka.Writer{
				Addr:                   kafka.TCP(kafkax.SplitBrokers(brokers)...),
				Topic:                  topic,
				RequiredAcks:           kafka.RequireOne,
				AllowAutoTopicCreation: true,
			}
			defer w.Close()
			if err := w.WriteMessages(cmd.Context(), msg); err != nil {
				return err
			}
			fmt.Fprintf(opts.out, "event_id=%s\n", eventID)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&brokers, "brokers", getenv("KAFKA_BROKERS", ""), "comma separated kafka brokers")
	cmd.Flags().StringVar(&topic, "topic", getenv("KAFKA_TRIGGER_TOPIC", consumer.AppOpenedEventType), "trigger topic")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// engine builds a watch-less engine over the configured store.
func (o *rootOptions) engine(ctx context.Context) (*transition.Engine, func(), error) {
	loc, err := time.LoadLocation(o.timezone)
	if err != nil {
		return nil, nil, fmt.Errorf("--timezone: %w", err)
	}
	st, closeStore, err := o.open(ctx, o.databaseURL)
	if err != nil {
		return nil, nil, err
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := transition.Config{Location: loc, DisableWatches: true}
	closers := []func(){closeStore}
	if o.redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: o.redisAddr})
		closers = append(closers, func() { _ = rdb.Close() })
		cfg.Locker = lock.NewRedisLocker(rdb, logger, lock.RedisLockerConfig{})
	}

	engine := transition.NewEngine(st, transition.NewApplier(st, logger, transition.ApplierConfig{}), logger, cfg)
	return engine, func() {
		engine.Close()
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}, nil
}

type appointmentOutput struct {
	ID        string `json:"appointment_id"`
	Date      string `json:"date"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

type moveOutput struct {
	AppointmentID string `json:"appointment_id"`
	From          string `json:"from"`
	To            string `json:"to"`
	Status        string `json:"status"`
	Error         string `json:"error,omitempty"`
}

type passOutput struct {
	PassID  string       `json:"pass_id,omitempty"`
	UserID  string       `json:"user_id"`
	DryRun  bool         `json:"dry_run"`
	Moves   []moveOutput `json:"moves"`
	Applied int          `json:"applied"`
	Failed  int          `json:"failed"`
}

func planOutput(userID string, moves []model.MoveOp) passOutput {
	out := passOutput{UserID: userID, DryRun: true, Moves: make([]moveOutput, 0, len(moves))}
	for _, mv := range moves {
		out.Moves = append(out.Moves, moveOutput{
			AppointmentID: mv.Appointment.ID,
			From:          string(mv.From),
			To:            string(mv.To),
			Status:        "planned",
		})
	}
	return out
}

func reportOutput(r transition.PassReport) passOutput {
	out := passOutput{
		PassID:  r.PassID,
		UserID:  r.UserID,
		Moves:   make([]moveOutput, 0, len(r.Moves)),
		Applied: r.Applied(),
		Failed:  r.Failed(),
	}
	for _, m := range r.Moves {
		item := moveOutput{
			AppointmentID: m.Move.Appointment.ID,
			From:          string(m.Move.From),
			To:            string(m.Move.To),
			Status:        "moved",
		}
		if m.Err != nil {
			item.Status = "failed_" + string(m.Stage)
			item.Error = m.Err.Error()
		}
		out.Moves = append(out.Moves, item)
	}
	return out
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
