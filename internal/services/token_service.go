package services

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/soaringjerry/surveyengine/internal/models"
)

// MaxTokenAttempts bounds how many candidate tokens Issue tries per respondent.
const MaxTokenAttempts = 8

// TokenSigner signs a respondent session.
type TokenSigner func(respondentID string, surveyID int, ttl time.Duration) (string, error)

type TokenService struct {
	store      Store
	defs       *DefinitionCache
	signToken  TokenSigner
	sessionTTL time.Duration
	tokenGen   func() (string, error)
	idGen      func() string
	logger     *slog.Logger
	now        func() time.Time
}

func NewTokenService(store Store, defs *DefinitionCache, signer TokenSigner, sessionTTL time.Duration, logger *slog.Logger) *TokenService {
	if sessionTTL <= 0 {
		sessionTTL = 12 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenService{
		store:      store,
		defs:       defs,
		signToken:  signer,
		sessionTTL: sessionTTL,
		tokenGen:   randomToken,
		idGen:      uuid.NewString,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// randomToken returns 16 random bytes, URL-safe encoded.
func randomToken() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}

// Issue creates n inactive respondents for surveyID.
func (s *TokenService) Issue(ctx context.Context, surveyID, n int) ([]*models.Respondent, error) {
	if n < 1 || n > 10000 {
		return nil, NewInvalidError("count must be between 1 and 10000")
	}
	if _, err := s.defs.Snapshot(ctx, surveyID); err != nil {
		return nil, err
	}
	out := make([]*models.Respondent, 0, n)
	err := s.store.WithTx(ctx, func(tx Store) error {
		for i := 0; i < n; i++ {
			r, err := s.issueOne(ctx, tx, surveyID)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	tokensIssued.Add(float64(len(out)))
	s.logger.Info("tokens issued", "survey_id", surveyID, "count", len(out))
	return out, nil
}

func (s *TokenService) issueOne(ctx context.Context, tx Store, surveyID int) (*models.Respondent, error) {
	for attempt := 1; attempt <= MaxTokenAttempts; attempt++ {
		tok, err := s.tokenGen()
		if err != nil {
			return nil, fmt.Errorf("generate token: %w", err)
		}
		r := &models.Respondent{ID: s.idGen(), Token: tok, SurveyID: surveyID, CreatedAt: s.now()}
		err = tx.CreateRespondent(ctx, r)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, models.ErrDuplicate) {
			return nil, fmt.Errorf("create respondent: %w", err)
		}
	}
	return nil, &TokenExhaustedError{Attempts: MaxTokenAttempts}
}

type LoginResult struct {
	Session      string
	RespondentID string
	SurveyID     int
}

// Login exchanges a respondent token for a session.
func (s *TokenService) Login(ctx context.Context, token string) (*LoginResult, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, NewInvalidError("token required")
	}
	if s.signToken == nil {
		return nil, NewInvalidError("token signer not configured")
	}
	var r *models.Respondent
	err := s.store.WithTx(ctx, func(tx Store) error {
		var err error
		r, err = tx.GetRespondentByToken(ctx, token)
		if err != nil {
			return fmt.Errorf("load respondent: %w", err)
		}
		if r == nil {
			return NewUnauthorizedError("unknown token")
		}
		if r.Finalized() {
			return NewForbiddenError("survey already finalized")
		}
		r.LoginCount++
		if r.FirstAccessAt == nil {
			now := s.now()
			r.FirstAccessAt = &now
		}
		return tx.UpdateRespondent(ctx, r)
	})
	if err != nil {
		return nil, err
	}
	session, err := s.signToken(r.ID, r.SurveyID, s.sessionTTL)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Session: session, RespondentID: r.ID, SurveyID: r.SurveyID}, nil
}
