// Package notifier runs the scheduled overdue scan and hands reminders to a
// Sender.
package notifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	orm "github.com/medatechnology/putralib"
	"github.com/medatechnology/putralib/borrow"
	"github.com/robfig/cron/v3"
)

const DefaultSchedule = "@daily"

// OverdueSource lists overdue requests for a day. *borrow.Manager
// implements it.
type OverdueSource interface {
	OverdueOn(ctx context.Context, today string) ([]borrow.Request, error)
}

type Reminder struct {
	Request borrow.Request
	Message string
}

type Sender interface {
	Send(ctx context.Context, r Reminder) error
}

// Recorder receives the size of the overdue list after every scan.
type Recorder interface {
	SetOverdue(n int)
}

type ScanResult struct {
	Day     string
	Overdue int
	Sent    int
	Failed  int
}

type Notifier struct {
	source   OverdueSource
	sender   Sender
	recorder Recorder
	logger   orm.Logger
	schedule string
	location *time.Location

	mu      sync.Mutex
	running bool
}

type Option func(*Notifier)

func WithSchedule(spec string) Option {
	return func(n *Notifier) {
		if spec != "" {
			n.schedule = spec
		}
	}
}

func WithLocation(loc *time.Location) Option {
	return func(n *Notifier) {
		if loc != nil {
			n.location = loc
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(n *Notifier) { n.recorder = r }
}

func WithLogger(l orm.Logger) Option {
	return func(n *Notifier) {
		if l != nil {
			n.logger = l
		}
	}
}

// New builds a notifier. A nil sender logs reminders.
func New(source OverdueSource, sender Sender, opts ...Option) *Notifier {
	n := &Notifier{
		source:   source,
		schedule: DefaultSchedule,
		location: time.Local,
		logger:   orm.GetDefaultLogger(),
	}
	for _, opt := range opts {
		opt(n)
	}
	if sender == nil {
		sender = NewLogSender(n.logger)
	}
	n.sender = sender
	n.logger = n.logger.With(orm.String("component", "notifier"))
	return n
}

// ScanOnce sends one reminder per overdue request. A failed send is
// logged and counted; only a failed listing is returned as an error.
// An empty today means the source's current day.
func (n *Notifier) ScanOnce(ctx context.Context, today string) (ScanResult, error) {
	overdue, err := n.source.OverdueOn(ctx, today)
	if err != nil {
		n.logger.Error("overdue scan failed", orm.Error(err))
		return ScanResult{Day: today}, err
	}
	if n.recorder != nil {
		n.recorder.SetOverdue(len(overdue))
	}

	res := ScanResult{Day: today, Overdue: len(overdue)}
	for _, req := range overdue {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := n.sender.Send(ctx, Reminder{Request: req, Message: Message(req)}); err != nil {
			res.Failed++
			n.logger.Warn("reminder not sent",
				orm.String("request_id", req.ID),
				orm.String("user_id", req.UserID),
				orm.Error(err))
			continue
		}
		res.Sent++
	}
	n.logger.Info("overdue scan finished",
		orm.Int("overdue", res.Overdue),
		orm.Int("sent", res.Sent),
		orm.Int("failed", res.Failed))
	return res, nil
}

// Run scans on the cron schedule until ctx is cancelled, then waits for a
// scan in progress to finish.
func (n *Notifier) Run(ctx context.Context) error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return fmt.Errorf("notifier already running")
	}
	n.running = true
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		n.running = false
		n.mu.Unlock()
	}()

	c := cron.New(cron.WithLocation(n.location))
	if _, err := c.AddFunc(n.schedule, func() {
		_, _ = n.ScanOnce(ctx, "")
	}); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", n.schedule, err)
	}
	c.Start()
	n.logger.Info("notifier started", orm.String("schedule", n.schedule))

	<-ctx.Done()
	<-c.Stop().Done()
	n.logger.Info("notifier stopped")
	return nil
}

// ValidateSchedule reports whether spec is a schedule Run accepts.
func ValidateSchedule(spec string) error {
	_, err := cron.ParseStandard(spec)
	return err
}

// Message is the reminder text for an overdue request.
func Message(req borrow.Request) string {
	title := req.BookTitle
	if title == "" {
		title = "your book"
	} else {
		title = fmt.Sprintf("%q", title)
	}
	days := "day"
	if req.DaysOverdue != 1 {
		days = "days"
	}
	return fmt.Sprintf("Reminder: %s was due on %s and is %d %s overdue. Please return it to the library.",
		title, req.ReturnDate, req.DaysOverdue, days)
}

// LogSender writes reminders to the log.
type LogSender struct {
	logger orm.Logger
}

func NewLogSender(logger orm.Logger) *LogSender {
	if logger == nil {
		logger = orm.GetDefaultLogger()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, r Reminder) error {
	s.logger.Info("overdue reminder",
		orm.String("request_id", r.Request.ID),
		orm.String("user_id", r.Request.UserID),
		orm.String("book_id", r.Request.BookID),
		orm.Int("days_overdue", r.Request.DaysOverdue),
		orm.String("message", r.Message))
	return nil
}
