// Package store defines the persistence interfaces consumed by the replay
// engine and a SQLite implementation of both.
package store

import (
	"context"
	"errors"

	"github.com/pairtrace/pairtrace/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// SessionStore provides read access to recorded session data.
type SessionStore interface {
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	GetMessages(ctx context.Context, sessionID string) ([]domain.Message, error)
	GetCommunications(ctx context.Context, sessionID string) ([]domain.AgentCommunication, error)
	GetSystemEvents(ctx context.Context, sessionID string) ([]domain.SystemEvent, error)
	GetMetrics(ctx context.Context, sessionID string) ([]domain.PerformanceMetric, error)
}

// MarkerStore provides durable storage for navigation markers and replay
// metadata, keyed by the underlying session id. Markers survive a replay
// session being evicted and re-prepared later.
type MarkerStore interface {
	ListBookmarks(ctx context.Context, sessionID string) ([]domain.Bookmark, error)
	PutBookmark(ctx context.Context, b *domain.Bookmark) error
	DeleteBookmark(ctx context.Context, sessionID, bookmarkID string) error

	ListAnnotations(ctx context.Context, sessionID string) ([]domain.Annotation, error)
	PutAnnotation(ctx context.Context, a *domain.Annotation) error
	DeleteAnnotation(ctx context.Context, sessionID, annotationID string) error

	ListSegments(ctx context.Context, sessionID string) ([]domain.Segment, error)
	PutSegment(ctx context.Context, s *domain.Segment) error
	DeleteSegment(ctx context.Context, sessionID, segmentID string) error

	GetMetadata(ctx context.Context, sessionID string) (*domain.ReplayMetadata, error)
	PutMetadata(ctx context.Context, m *domain.ReplayMetadata) error
}
