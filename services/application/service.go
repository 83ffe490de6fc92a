package application

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"relieffund-core/pkg/db/option"
	"relieffund-core/pkg/errutil"
	"relieffund-core/pkg/repository"
	"relieffund-core/services/allocation"
)

// CampaignChecker is the external campaign registry. The fund core only
// asks whether a campaign exists; ownership and closure policy live
// outside this service.
type CampaignChecker interface {
	Exists(ctx context.Context, campaignID string) (bool, error)
}

type Service struct {
	db           *gorm.DB
	node         *snowflake.Node
	ledger       *allocation.Service
	campaigns    CampaignChecker
	applications repository.Repository[Application]
}

type ServiceParams struct {
	fx.In
	DB        *gorm.DB
	Node      *snowflake.Node
	Ledger    *allocation.Service
	Campaigns CampaignChecker `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:           p.DB,
		node:         p.Node,
		ledger:       p.Ledger,
		campaigns:    p.Campaigns,
		applications: repository.ProvideStore[Application](p.DB),
	}
}

type SubmitParams struct {
	WalletAddress string
	CampaignID    string
	Justification string
	Documents     []string
	SpendingMode  allocation.SpendingMode
}

// Submit records a new application as pending. Wallet addresses are
// normalized to lower case so lookups are case-insensitive.
func (s *Service) Submit(ctx context.Context, p SubmitParams) (*Application, error) {
	if p.WalletAddress == "" || p.CampaignID == "" {
		return nil, errutil.BadRequest("wallet address and campaign are required", nil)
	}

	mode := p.SpendingMode
	if mode == "" {
		mode = allocation.ModeDirect
	}
	if mode != allocation.ModeDirect && mode != allocation.ModeControlled {
		return nil, errutil.BadRequest("unsupported spending mode", nil)
	}

	if s.campaigns != nil {
		exists, err := s.campaigns.Exists(ctx, p.CampaignID)
		if err != nil {
			return nil, errutil.Internal("failed to verify campaign", err)
		}
		if !exists {
			return nil, errutil.NotFound("campaign not found", allocation.ErrNotFound)
		}
	}

	docs, err := json.Marshal(p.Documents)
	if err != nil {
		return nil, errutil.BadRequest("invalid document references", err)
	}

	now := time.Now()
	app := &Application{
		ID:            s.node.Generate().String(),
		WalletAddress: strings.ToLower(p.WalletAddress),
		CampaignID:    p.CampaignID,
		Justification: p.Justification,
		Documents:     datatypes.JSON(docs),
		SpendingMode:  mode,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.applications.Create(ctx, app); err != nil {
		return nil, errutil.Internal("failed to persist application", err)
	}

	return app, nil
}

type ReviewParams struct {
	ApplicationID string
	Decision      Decision
	Reason        string
	ReviewerID    string
}

// Review transitions a pending application to a terminal state, at most
// once. Approval opens the beneficiary's allocation account in the same
// database transaction; the initial grant arrives via a separate top-up.
func (s *Service) Review(ctx context.Context, p ReviewParams) (*Application, error) {
	if p.Decision != DecisionApprove && p.Decision != DecisionReject {
		return nil, errutil.BadRequest("decision must be approve or reject", nil)
	}

	var reviewed *Application
	err := s.db.Transaction(func(tx *gorm.DB) error {
		app, err := s.applications.WithTrx(tx).FindOne(ctx, &Application{ID: p.ApplicationID})
		if err != nil {
			return errutil.Internal("failed to load application", err)
		}
		if app == nil {
			return errutil.NotFound("application not found", allocation.ErrNotFound)
		}

		status := StatusRejected
		if p.Decision == DecisionApprove {
			status = StatusApproved
		}

		now := time.Now()
		res := tx.Model(&Application{}).
			Where("id = ? AND status = ?", p.ApplicationID, StatusPending).
			Updates(map[string]any{
				"status":       status,
				"reason":       p.Reason,
				"reviewer_id":  p.ReviewerID,
				"processed_at": now,
				"updated_at":   now,
			})
		if res.Error != nil {
			return errutil.Internal("failed to update application", res.Error)
		}
		if res.RowsAffected == 0 {
			return errutil.Conflict("application already reviewed", allocation.ErrInvalidTransition)
		}

		if status == StatusApproved {
			account, err := s.ledger.Open(ctx, tx, app.WalletAddress, app.CampaignID, app.SpendingMode)
			if err != nil {
				return err
			}
			if err := tx.Model(&Application{}).
				Where("id = ?", p.ApplicationID).
				Update("account_id", account.ID).Error; err != nil {
				return errutil.Internal("failed to link allocation account", err)
			}
		}

		reviewed, err = s.applications.WithTrx(tx).FindOne(ctx, &Application{ID: p.ApplicationID})
		if err != nil {
			return errutil.Internal("failed to reload application", err)
		}
		return nil
	})
	if err != nil {
		zap.L().Warn("application review rejected",
			zap.String("application_id", p.ApplicationID), zap.Error(err))
		return nil, err
	}

	return reviewed, nil
}

// Get returns one application by id.
func (s *Service) Get(ctx context.Context, applicationID string) (*Application, error) {
	app, err := s.applications.FindOne(ctx, &Application{ID: applicationID})
	if err != nil {
		return nil, errutil.Internal("failed to load application", err)
	}
	if app == nil {
		return nil, errutil.NotFound("application not found", allocation.ErrNotFound)
	}
	return app, nil
}

// List returns applications, newest first, optionally filtered by wallet.
func (s *Service) List(ctx context.Context, wallet string) ([]*Application, error) {
	query := &Application{}
	if wallet != "" {
		query.WalletAddress = strings.ToLower(wallet)
	}

	apps, err := s.applications.Find(ctx, query, option.WithSortBy(option.QuerySortBy{
		SortBy:  "created_at",
		OrderBy: "desc",
		Allow: map[string]bool{
			"created_at": true,
		},
	}))
	if err != nil {
		return nil, errutil.Internal("failed to list applications", err)
	}
	return apps, nil
}
