package main

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/saiset-co/sai-cache/database"
	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

const (
	voiceoverCollection = "voiceovers"

	defaultPageLimit = 20
	maxPageLimit     = 100

	statusReady      = "ready"
	statusInProgress = "in_progress"

	// createdAtLayout has a fixed width so stored timestamps sort as strings.
	createdAtLayout = "2006-01-02T15:04:05.000000000Z"
)

type Voiceover struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Language    string    `json:"language"`
	Voice       string    `json:"voice"`
	DurationSec int       `json:"duration_sec"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

type voiceoverRecord struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Language    string `json:"language"`
	Voice       string `json:"voice"`
	DurationSec int    `json:"duration_sec"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
}

type createVoiceoverRequest struct {
	Title       string `json:"title" validate:"required,max=200"`
	Language    string `json:"language" validate:"required,len=2"`
	Voice       string `json:"voice" validate:"required"`
	DurationSec int    `json:"duration_sec" validate:"min=1"`
	Status      string `json:"status" validate:"omitempty,oneof=ready in_progress"`
}

type voiceoverFilter struct {
	Language string
	Status   string
	Page     int
	Limit    int
}

// catalog is the voice-over repository behind the demo API.
type catalog struct {
	db       *database.CloverDB
	validate *validator.Validate
	now      func() time.Time
	queries  int64
}

func newCatalog(db *database.CloverDB) *catalog {
	return &catalog{
		db:       db,
		validate: validator.New(),
		now:      time.Now,
	}
}

func (c *catalog) Seed(ctx context.Context, items ...Voiceover) error {
	documents := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		documents = append(documents, toDocument(item))
	}
	return c.db.Insert(ctx, voiceoverCollection, documents...)
}

func demoVoiceovers(now time.Time) []Voiceover {
	return []Voiceover{
		{ID: uuid.NewString(), Title: "Museum audio guide", Language: "en", Voice: "warm baritone", DurationSec: 1260, Status: statusReady, CreatedAt: now.Add(-72 * time.Hour)},
		{ID: uuid.NewString(), Title: "Coffee brand spot", Language: "de", Voice: "bright alto", DurationSec: 30, Status: statusReady, CreatedAt: now.Add(-48 * time.Hour)},
		{ID: uuid.NewString(), Title: "E-learning module 4", Language: "en", Voice: "neutral tenor", DurationSec: 940, Status: statusInProgress, CreatedAt: now.Add(-24 * time.Hour)},
		{ID: uuid.NewString(), Title: "Game trailer narration", Language: "fr", Voice: "gravel bass", DurationSec: 95, Status: statusReady, CreatedAt: now.Add(-2 * time.Hour)},
	}
}

// List returns the matching voice-overs, newest first.
func (c *catalog) List(ctx context.Context, filter voiceoverFilter) ([]Voiceover, error) {
	atomic.AddInt64(&c.queries, 1)

	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultPageLimit
	}

	where := make(map[string]interface{})
	if filter.Language != "" {
		where["language"] = filter.Language
	}
	if filter.Status != "" {
		where["status"] = filter.Status
	}

	documents, err := c.db.Find(ctx, database.FindRequest{
		Collection: voiceoverCollection,
		Filter:     where,
		SortField:  "created_at",
		Direction:  database.Descending,
		Skip:       (filter.Page - 1) * filter.Limit,
		Limit:      filter.Limit,
	})
	if err != nil {
		return nil, err
	}

	items := make([]Voiceover, 0, len(documents))
	for _, document := range documents {
		item, err := fromDocument(document)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	return items, nil
}

func (c *catalog) Add(ctx context.Context, request createVoiceoverRequest) (Voiceover, error) {
	if err := c.validate.Struct(request); err != nil {
		return Voiceover{}, types.Errorf(types.ErrValidationFailed, "%v", err)
	}

	status := request.Status
	if status == "" {
		status = statusInProgress
	}

	item := Voiceover{
		ID:          uuid.NewString(),
		Title:       request.Title,
		Language:    request.Language,
		Voice:       request.Voice,
		DurationSec: request.DurationSec,
		Status:      status,
		CreatedAt:   c.now().UTC(),
	}

	if err := c.db.Insert(ctx, voiceoverCollection, toDocument(item)); err != nil {
		return Voiceover{}, err
	}

	return item, nil
}

// Queries counts List calls that reached the repository.
func (c *catalog) Queries() int {
	return int(atomic.LoadInt64(&c.queries))
}

func toDocument(item Voiceover) map[string]interface{} {
	return map[string]interface{}{
		"id":           item.ID,
		"title":        item.Title,
		"language":     item.Language,
		"voice":        item.Voice,
		"duration_sec": item.DurationSec,
		"status":       item.Status,
		"created_at":   item.CreatedAt.UTC().Format(createdAtLayout),
	}
}

func fromDocument(document map[string]interface{}) (Voiceover, error) {
	record, err := utils.Convert[voiceoverRecord](document)
	if err != nil {
		return Voiceover{}, types.WrapError(err, "failed to decode voice-over")
	}

	createdAt, err := time.Parse(createdAtLayout, record.CreatedAt)
	if err != nil {
		return Voiceover{}, types.WrapError(err, "failed to decode voice-over created_at")
	}

	return Voiceover{
		ID:          record.ID,
		Title:       record.Title,
		Language:    record.Language,
		Voice:       record.Voice,
		DurationSec: record.DurationSec,
		Status:      record.Status,
		CreatedAt:   createdAt,
	}, nil
}
