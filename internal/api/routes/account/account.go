// Package account binds the profile and subscription endpoints.
package account

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ahrav/gas/internal/api/errs"
	"github.com/ahrav/gas/internal/api/mid"
	app "github.com/ahrav/gas/internal/app/annotation"
	"github.com/ahrav/gas/internal/domain/annotation"
	"github.com/ahrav/gas/pkg/common/logger"
	"github.com/ahrav/gas/pkg/web"
)

// AccountService is the subset of the job service these handlers use.
type AccountService interface {
	Profile(ctx context.Context, userID, email string) (*annotation.Profile, error)
	Subscribe(ctx context.Context, userID string) (int, error)
	Unsubscribe(ctx context.Context, userID string) error
}

var _ AccountService = (*app.JobService)(nil)

// Config contains the dependencies needed by the account handlers.
type Config struct {
	Log      *logger.Logger
	Accounts AccountService
	AuthMid  web.MidFunc
}

// Routes binds all the account endpoints.
func Routes(a *web.App, cfg Config) {
	const version = "v1"

	a.HandlerFunc(http.MethodGet, version, "/profile", profile(cfg), cfg.AuthMid)
	// The subscription page only needs the caller's current role.
	a.HandlerFunc(http.MethodGet, version, "/subscribe", profile(cfg), cfg.AuthMid)
	a.HandlerFunc(http.MethodPost, version, "/subscribe", subscribe(cfg), cfg.AuthMid)
	a.HandlerFunc(http.MethodPost, version, "/unsubscribe", unsubscribe(cfg), cfg.AuthMid)
}

type profileResponse struct {
	UserID  string `json:"user_id"`
	Email   string `json:"email"`
	Role    string `json:"role"`
	Premium bool   `json:"premium"`
}

// Encode implements the web.Encoder interface.
func (pr profileResponse) Encode() ([]byte, string, error) {
	data, err := json.Marshal(pr)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

func toProfileResponse(p *annotation.Profile) profileResponse {
	return profileResponse{
		UserID:  p.UserID,
		Email:   p.Email,
		Role:    p.Role.String(),
		Premium: p.Role.IsPremium(),
	}
}

type subscribeResponse struct {
	Role              string `json:"role"`
	RestoresRequested int    `json:"restores_requested"`
}

// Encode implements the web.Encoder interface.
func (sr subscribeResponse) Encode() ([]byte, string, error) {
	data, err := json.Marshal(sr)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

// HTTPStatus implements the httpStatus interface to set the response status code.
func (sr subscribeResponse) HTTPStatus() int { return http.StatusAccepted } // 202

func profile(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		claims := mid.GetClaims(ctx)

		p, err := cfg.Accounts.Profile(ctx, claims.UserID(), claims.Email)
		if err != nil {
			return errs.New(errs.Internal, err)
		}
		return toProfileResponse(p)
	}
}

func subscribe(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		claims := mid.GetClaims(ctx)

		// The profile must exist before its role can change.
		if _, err := cfg.Accounts.Profile(ctx, claims.UserID(), claims.Email); err != nil {
			return errs.New(errs.Internal, err)
		}

		n, err := cfg.Accounts.Subscribe(ctx, claims.UserID())
		if err != nil {
			return errs.New(errs.Internal, err)
		}

		return subscribeResponse{Role: annotation.RolePremium.String(), RestoresRequested: n}
	}
}

func unsubscribe(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		claims := mid.GetClaims(ctx)

		if _, err := cfg.Accounts.Profile(ctx, claims.UserID(), claims.Email); err != nil {
			return errs.New(errs.Internal, err)
		}
		if err := cfg.Accounts.Unsubscribe(ctx, claims.UserID()); err != nil {
			return errs.New(errs.Internal, err)
		}

		return profileResponse{
			UserID: claims.UserID(),
			Email:  claims.Email,
			Role:   annotation.RoleFree.String(),
		}
	}
}
