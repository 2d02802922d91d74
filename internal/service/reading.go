package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/DukeRupert/fortuna/internal/ai"
	"github.com/DukeRupert/fortuna/internal/domain"
	"github.com/DukeRupert/fortuna/internal/metrics"
	"github.com/DukeRupert/fortuna/internal/storage"
)

const (
	// MaxQuestionLength bounds free-text questions.
	MaxQuestionLength = 1000

	// MaxChatMessageLength bounds a single chat message.
	MaxChatMessageLength = 4000

	// MaxChatHistory is the number of earlier turns forwarded to the model.
	MaxChatHistory = 20

	// maxReadingBytes bounds a stored reading document on read-back.
	maxReadingBytes = 1 << 20
)

// =============================================================================
// Requests
// =============================================================================

// TarotRequest asks for a tarot reading. Cards are drawn server-side unless
// the client sends its own.
type TarotRequest struct {
	Question string             `json:"question"`
	Spread   string             `json:"spread"`
	Cards    []domain.TarotCard `json:"cards"`
}

// Validate normalises the spread and checks client-drawn cards.
func (r *TarotRequest) Validate() error {
	const op = "reading.tarot"

	if len(r.Question) > MaxQuestionLength {
		return domain.Invalid(op, "question is too long")
	}
	if r.Spread == "" {
		r.Spread = SpreadThree
	}

	if len(r.Cards) == 0 {
		if SpreadPositions(r.Spread) == nil {
			return domain.Invalid(op, fmt.Sprintf("unknown spread %q", r.Spread))
		}
		return nil
	}

	if len(r.Cards) > len(SpreadPositions(SpreadCeltic)) {
		return domain.Invalid(op, "too many cards")
	}
	for i, c := range r.Cards {
		if strings.TrimSpace(c.Name) == "" {
			return domain.Invalid(op, fmt.Sprintf("card %d has no name", i+1))
		}
	}
	return nil
}

// PalmRequest asks for a palm reading of a photo sent as base64 or a data URL.
type PalmRequest struct {
	Image    string `json:"image"`
	Hand     string `json:"hand"`
	Question string `json:"question"`

	decoded []byte
}

// Validate decodes the image. It is safe to call more than once.
func (r *PalmRequest) Validate() error {
	const op = "reading.palm"

	if len(r.Question) > MaxQuestionLength {
		return domain.Invalid(op, "question is too long")
	}
	switch r.Hand {
	case "", "left", "right":
	default:
		return domain.Invalid(op, "hand must be left or right")
	}

	if r.decoded != nil {
		return nil
	}
	data, err := DecodeImagePayload(r.Image)
	if err != nil {
		return domain.Invalid(op, err.Error())
	}
	r.decoded = data
	return nil
}

// IChingRequest asks for an I Ching reading. The hexagram is cast server-side
// unless the client sends six line values.
type IChingRequest struct {
	Question string `json:"question"`
	Lines    []int  `json:"lines"`
}

// Validate checks client-cast lines.
func (r *IChingRequest) Validate() error {
	const op = "reading.iching"

	if len(r.Question) > MaxQuestionLength {
		return domain.Invalid(op, "question is too long")
	}
	if len(r.Lines) > 0 {
		if _, err := NewHexagram(r.Lines); err != nil {
			return domain.Invalid(op, err.Error())
		}
	}
	return nil
}

// ChatRequest is one chat message with the preceding conversation.
type ChatRequest struct {
	Message string            `json:"message"`
	History []domain.ChatTurn `json:"history"`
}

// Validate checks the message and the roles of the history.
func (r *ChatRequest) Validate() error {
	const op = "reading.chat"

	if strings.TrimSpace(r.Message) == "" {
		return domain.Invalid(op, "message is required")
	}
	if len(r.Message) > MaxChatMessageLength {
		return domain.Invalid(op, "message is too long")
	}
	for i, t := range r.History {
		if !ai.Role(t.Role).Valid() {
			return domain.Invalid(op, fmt.Sprintf("history turn %d has invalid role %q", i+1, t.Role))
		}
	}
	return nil
}

// CompatibilityRequest asks for a compatibility diagnosis of two people.
type CompatibilityRequest struct {
	Person1 domain.Person `json:"person1"`
	Person2 domain.Person `json:"person2"`
}

// Validate parses both birth dates and fills in the zodiac signs.
func (r *CompatibilityRequest) Validate() error {
	const op = "reading.compatibility"

	for i, p := range []*domain.Person{&r.Person1, &r.Person2} {
		born, err := time.Parse(BirthDateLayout, p.BirthDate)
		if err != nil {
			return domain.Invalid(op, fmt.Sprintf("person%d birthDate must be YYYY-MM-DD", i+1))
		}
		p.Sign = ZodiacSign(born)
	}
	return nil
}

// =============================================================================
// Interface Definition
// =============================================================================

// ReadingService generates, stores and retrieves readings.
//
// Generation methods assume the caller has already passed quota enforcement.
// A reading that cannot be stored is still returned.
type ReadingService interface {
	Tarot(ctx context.Context, userID string, req TarotRequest) (*domain.Reading, error)
	Palm(ctx context.Context, userID string, req PalmRequest) (*domain.Reading, error)
	IChing(ctx context.Context, userID string, req IChingRequest) (*domain.Reading, error)
	Chat(ctx context.Context, userID string, req ChatRequest) (*domain.Reading, error)
	Compatibility(ctx context.Context, userID string, req CompatibilityRequest) (*domain.Reading, error)

	// Get loads a stored reading owned by userID ("" for anonymous readings).
	Get(ctx context.Context, userID string, id uuid.UUID) (*domain.Reading, error)
}

// ReadingConfig configures a ReadingService.
type ReadingConfig struct {
	// Dice drives server-side draws. Defaults to math/rand/v2.
	Dice Dice

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// MaxTokens bounds each completion. Provider default when zero.
	MaxTokens int
}

// =============================================================================
// Implementation
// =============================================================================

type readingService struct {
	provider ai.Provider
	store    storage.Storage
	images   PalmImageProcessor
	dice     Dice
	now      func() time.Time
	maxTok   int
	logger   *slog.Logger
}

// NewReadingService creates a new ReadingService.
func NewReadingService(
	provider ai.Provider,
	store storage.Storage,
	images PalmImageProcessor,
	cfg ReadingConfig,
	logger *slog.Logger,
) ReadingService {
	if cfg.Dice == nil {
		cfg.Dice = globalDice{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if images == nil {
		images = NewImagingProcessor()
	}

	return &readingService{
		provider: provider,
		store:    store,
		images:   images,
		dice:     cfg.Dice,
		now:      cfg.Now,
		maxTok:   cfg.MaxTokens,
		logger:   logger,
	}
}

func (s *readingService) Tarot(ctx context.Context, userID string, req TarotRequest) (*domain.Reading, error) {
	const op = "reading.tarot"

	if err := req.Validate(); err != nil {
		return nil, err
	}

	cards := req.Cards
	if len(cards) == 0 {
		var err error
		if cards, err = DrawTarot(s.dice, req.Spread); err != nil {
			return nil, domain.Invalid(op, err.Error())
		}
	}

	reading := s.newReading(userID, domain.FeatureTarot, map[string]any{
		"question": req.Question,
		"spread":   req.Spread,
		"cards":    cards,
	})

	return s.generate(ctx, op, reading, ai.GenerateParams{
		System:   SystemPrompt(domain.FeatureTarot),
		Messages: []ai.Message{{Role: ai.RoleUser, Content: tarotPrompt(req.Question, cards)}},
	})
}

func (s *readingService) Palm(ctx context.Context, userID string, req PalmRequest) (*domain.Reading, error) {
	const op = "reading.palm"

	if err := req.Validate(); err != nil {
		return nil, err
	}

	// The payload was fully decoded by Validate, so a failure here is ours.
	img, err := s.images.Normalize(req.decoded)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to prepare palm image")
	}

	reading := s.newReading(userID, domain.FeaturePalm, map[string]any{
		"question": req.Question,
		"hand":     req.Hand,
	})

	key := storage.PalmImageKey(reading.Owner(), reading.ID)
	if err := s.store.Put(ctx, key, bytes.NewReader(img), storage.PutOptions{ContentType: "image/jpeg"}); err != nil {
		s.logger.Warn("failed to store palm image", "key", key, "error", err)
	} else {
		reading.ImageKey = key
	}

	return s.generate(ctx, op, reading, ai.GenerateParams{
		System:   SystemPrompt(domain.FeaturePalm),
		Messages: []ai.Message{{Role: ai.RoleUser, Content: palmPrompt(req.Hand, req.Question)}},
		Image:    &ai.Image{Data: img, ContentType: "image/jpeg"},
	})
}

func (s *readingService) IChing(ctx context.Context, userID string, req IChingRequest) (*domain.Reading, error) {
	const op = "reading.iching"

	if err := req.Validate(); err != nil {
		return nil, err
	}

	var hex domain.Hexagram
	if len(req.Lines) > 0 {
		hex, _ = NewHexagram(req.Lines)
	} else {
		hex = CastHexagram(s.dice)
	}

	reading := s.newReading(userID, domain.FeatureIChing, map[string]any{
		"question": req.Question,
		"hexagram": hex,
	})

	return s.generate(ctx, op, reading, ai.GenerateParams{
		System:   SystemPrompt(domain.FeatureIChing),
		Messages: []ai.Message{{Role: ai.RoleUser, Content: ichingPrompt(req.Question, hex)}},
	})
}

func (s *readingService) Chat(ctx context.Context, userID string, req ChatRequest) (*domain.Reading, error) {
	const op = "reading.chat"

	if err := req.Validate(); err != nil {
		return nil, err
	}

	history := TrimHistory(req.History, MaxChatHistory)
	msgs := make([]ai.Message, 0, len(history)+1)
	for _, t := range history {
		msgs = append(msgs, ai.Message{Role: ai.Role(t.Role), Content: t.Content})
	}
	msgs = append(msgs, ai.Message{Role: ai.RoleUser, Content: req.Message})

	reading := s.newReading(userID, domain.FeatureChat, map[string]any{
		"message":      req.Message,
		"historyTurns": len(history),
	})

	return s.generate(ctx, op, reading, ai.GenerateParams{
		System:   SystemPrompt(domain.FeatureChat),
		Messages: msgs,
	})
}

func (s *readingService) Compatibility(ctx context.Context, userID string, req CompatibilityRequest) (*domain.Reading, error) {
	const op = "reading.compatibility"

	if err := req.Validate(); err != nil {
		return nil, err
	}

	reading := s.newReading(userID, domain.FeatureCompatibility, map[string]any{
		"person1": req.Person1,
		"person2": req.Person2,
	})

	return s.generate(ctx, op, reading, ai.GenerateParams{
		System:   SystemPrompt(domain.FeatureCompatibility),
		Messages: []ai.Message{{Role: ai.RoleUser, Content: compatibilityPrompt(req.Person1, req.Person2)}},
	})
}

func (s *readingService) Get(ctx context.Context, userID string, id uuid.UUID) (*domain.Reading, error) {
	const op = "reading.get"

	owner := (&domain.Reading{UserID: userID}).Owner()

	for _, f := range domain.Features {
		rc, _, err := s.store.Get(ctx, storage.ReadingKey(owner, string(f), id))
		if storage.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, domain.Unavailable(err, op, "failed to load reading")
		}

		var reading domain.Reading
		err = json.NewDecoder(io.LimitReader(rc, maxReadingBytes)).Decode(&reading)
		rc.Close()
		if err != nil {
			return nil, domain.Internal(err, op, "failed to decode reading")
		}
		return &reading, nil
	}

	return nil, domain.NotFound(op, "reading", id.String())
}

func (s *readingService) newReading(userID string, feature domain.Feature, input map[string]any) *domain.Reading {
	return &domain.Reading{
		ID:        uuid.New(),
		UserID:    userID,
		Feature:   feature,
		Input:     input,
		CreatedAt: s.now().UTC(),
	}
}

// generate calls the model, fills in the reading and stores it.
func (s *readingService) generate(ctx context.Context, op string, reading *domain.Reading, params ai.GenerateParams) (*domain.Reading, error) {
	params.Feature = string(reading.Feature)
	if params.MaxTokens == 0 {
		params.MaxTokens = s.maxTok
	}

	completion, err := s.provider.Generate(ctx, params)
	if err != nil {
		s.logger.Error("reading generation failed",
			"feature", reading.Feature,
			"user_id", reading.UserID,
			"error", err,
		)
		return nil, mapAIError(op, err)
	}

	reading.Text = completion.Text
	reading.Model = completion.Usage.Model
	metrics.ReadingsGenerated.WithLabelValues(string(reading.Feature)).Inc()

	s.persist(ctx, reading)
	return reading, nil
}

// persist stores the reading document. Failures are logged only.
func (s *readingService) persist(ctx context.Context, reading *domain.Reading) {
	key := storage.ReadingKey(reading.Owner(), string(reading.Feature), reading.ID)

	body, err := json.Marshal(reading)
	if err == nil {
		err = s.store.Put(ctx, key, bytes.NewReader(body), storage.PutOptions{ContentType: "application/json"})
	}
	if err != nil {
		metrics.ReadingsPersisted.WithLabelValues("failed").Inc()
		s.logger.Warn("failed to persist reading",
			"reading_id", reading.ID,
			"key", key,
			"error", err,
		)
		return
	}

	metrics.ReadingsPersisted.WithLabelValues("stored").Inc()
}

// TrimHistory keeps the last n turns, then drops leading assistant turns so
// the conversation sent to the model opens with the user.
func TrimHistory(history []domain.ChatTurn, n int) []domain.ChatTurn {
	if len(history) > n {
		history = history[len(history)-n:]
	}
	for len(history) > 0 && history[0].Role != string(ai.RoleUser) {
		history = history[1:]
	}
	return history
}

func mapAIError(op string, err error) error {
	switch {
	case errors.Is(err, ai.EAIContentPolicy):
		return domain.Invalid(op, "the request was declined by the content policy")
	case errors.Is(err, ai.EAIInvalidRequest):
		return domain.Invalid(op, "the request could not be processed")
	case errors.Is(err, ai.EAIRateLimit):
		return domain.RateLimit(op)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return domain.Unavailable(err, op, "reading generation timed out")
	default:
		return domain.Unavailable(err, op, "failed to generate reading")
	}
}
