package ledger

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"studio/internal/domain"
	"studio/internal/sqlinline"
)

// Watcher fans balance notifications out to per-user subscribers. It keeps
// one LISTEN connection for the whole process.
type Watcher struct {
	dsn string
	log zerolog.Logger

	mu   sync.Mutex
	subs map[string]map[chan int]struct{}
}

func NewWatcher(dsn string, log zerolog.Logger) *Watcher {
	return &Watcher{
		dsn:  dsn,
		log:  log.With().Str("component", "credit-watcher").Logger(),
		subs: map[string]map[chan int]struct{}{},
	}
}

// Run listens on the credit channel until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	listener := pq.NewListener(w.dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
			w.log.Warn().Err(err).Msg("listener connection lost")
		case pq.ListenerEventReconnected:
			w.log.Info().Msg("listener reconnected")
		}
	})
	defer listener.Close()
	if err := listener.Listen(sqlinline.CreditChannel); err != nil {
		return err
	}
	w.log.Info().Str("channel", sqlinline.CreditChannel).Msg("listening")

	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			// nil after a reconnect; updates sent while disconnected are lost.
			if n != nil {
				w.dispatch(n.Extra)
			}
		case <-ping.C:
			go func() { _ = listener.Ping() }()
		}
	}
}

// Subscribe streams balance changes for userID until ctx is done.
func (w *Watcher) Subscribe(ctx context.Context, userID string) (<-chan int, error) {
	ch := make(chan int, 4)
	w.mu.Lock()
	if w.subs[userID] == nil {
		w.subs[userID] = map[chan int]struct{}{}
	}
	w.subs[userID][ch] = struct{}{}
	w.mu.Unlock()

	go func() {
		<-ctx.Done()
		w.mu.Lock()
		delete(w.subs[userID], ch)
		if len(w.subs[userID]) == 0 {
			delete(w.subs, userID)
		}
		w.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

type balanceNotice struct {
	UserID  string `json:"user_id"`
	Balance int    `json:"balance"`
}

func (w *Watcher) dispatch(payload string) {
	var notice balanceNotice
	if err := json.Unmarshal([]byte(payload), &notice); err != nil || notice.UserID == "" {
		w.log.Warn().Err(err).Str("payload", payload).Msg("malformed balance notice")
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for ch := range w.subs[notice.UserID] {
		select {
		case ch <- notice.Balance:
		default:
		}
	}
}

var _ domain.CreditWatcher = (*Watcher)(nil)
