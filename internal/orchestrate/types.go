package orchestrate

import (
	"context"
	"crypto/x509"
	"time"

	"mycelica/hypha/internal/db"
	"mycelica/hypha/internal/entity"
)

// EventName identifies the operation a notification is about
type EventName string

const (
	EventLogin         EventName = "login"
	EventRootRetrieval EventName = "root-retrieval"
	EventDrill         EventName = "drill"
	EventDetails       EventName = "details"
	EventSearch        EventName = "search"
	EventImage         EventName = "image-retrieval"
	EventFullSync      EventName = "full-sync"
)

func (n EventName) String() string { return string(n) }

// Phase tells whether a notification precedes or follows the operation
type Phase string

const (
	PhaseWill Phase = "will"
	PhaseDid  Phase = "did"
)

// Event is one will/did notification. Err is the terminal error of a did
// event. Deleted lists entities removed by the commit that ended the
// operation.
type Event struct {
	Name    EventName
	Phase   Phase
	Err     error
	Deleted []string
	At      time.Time
}

// Topic is the bus topic of the event, e.g. "did:drill".
func (e Event) Topic() string {
	return string(e.Phase) + ":" + string(e.Name)
}

// EventSink receives notifications. Notify is called from the goroutine
// running the operation and must not block for long.
type EventSink interface {
	Notify(Event)
}

// TrustDecision is the answer to a trust challenge
type TrustDecision int

const (
	TrustDecline TrustDecision = iota
	TrustGrant
)

func (d TrustDecision) String() string {
	if d == TrustGrant {
		return "grant"
	}
	return "decline"
}

// Challenge describes a connection that needs an explicit trust decision.
type Challenge struct {
	Method      string // rpc method or "image"
	Host        string
	Fingerprint string // SHA-256, lowercase hex
	Certificate *x509.Certificate
}

// TrustDecider decides trust challenges on behalf of the user.
type TrustDecider interface {
	Decide(ctx context.Context, ch Challenge) (TrustDecision, error)
}

// Repository is the local entity cache. Writes are staged until Commit,
// which reports the permIds deleted since the previous commit.
type Repository interface {
	Upsert(ctx context.Context, rec entity.RawEntityRecord) (*entity.Entity, error)
	DeleteNotIn(ctx context.Context, keep []string, scope db.Scope) error
	Delete(ctx context.Context, ids []string) error
	Get(ctx context.Context, permID string) (*entity.Entity, error)
	FetchAll(ctx context.Context) ([]entity.Entity, error)
	FetchRootLevel(ctx context.Context) ([]entity.Entity, error)
	FetchByPermIDs(ctx context.Context, ids []string) ([]entity.Entity, error)
	FetchStaleSince(ctx context.Context, since time.Time) ([]entity.Entity, error)
	SearchLocal(ctx context.Context, query string, limit int) ([]entity.Entity, error)
	ServerInfo(ctx context.Context) (entity.ServerInfo, error)
	SaveServerInfo(ctx context.Context, info entity.ServerInfo) error
	Commit() ([]string, error)
	Rollback() error
}

// Credentials authenticate the session.
type Credentials struct {
	User     string
	Password string
}

// Config controls the manager
type Config struct {
	Timeout         time.Duration // bound on every public operation, retries included (default 60s)
	RefreshInterval time.Duration // root-set interval until the server sends its own
	ImageBase       string        // base for relative image URLs (default: rpc endpoint)
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		Timeout:         60 * time.Second,
		RefreshInterval: entity.DefaultRefreshInterval,
	}
}

// SyncResult is the outcome of a root-set retrieval
type SyncResult struct {
	Refreshed  bool      `json:"refreshed"` // false when the cached root set was still fresh
	Categories int       `json:"categories"`
	Merged     int       `json:"merged"`
	Deleted    []string  `json:"deleted,omitempty"`
	SyncedAt   time.Time `json:"synced_at"`
}

// Image is a fetched entity image. It is never cached by the manager.
type Image struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"-"`
}
