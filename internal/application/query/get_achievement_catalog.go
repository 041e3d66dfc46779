package query

import (
	"context"

	"github.com/qahub/reputation-engine/internal/domain/achievement"
	"github.com/qahub/reputation-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ACHIEVEMENT QUERIES
// getAchievementCatalog() and per-user progress.
// ══════════════════════════════════════════════════════════════════════════════

// AchievementDTO describes one catalog entry.
type AchievementDTO struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Description string               `json:"description"`
	Category    string               `json:"category"`
	Criteria    achievement.Criteria `json:"criteria"`
}

// GetAchievementCatalogHandler returns the static catalog.
type GetAchievementCatalogHandler struct {
	catalog *achievement.Catalog
}

// NewGetAchievementCatalogHandler creates a handler.
func NewGetAchievementCatalogHandler(catalog *achievement.Catalog) *GetAchievementCatalogHandler {
	return &GetAchievementCatalogHandler{catalog: catalog}
}

// Handle lists definitions in catalog order.
func (h *GetAchievementCatalogHandler) Handle(ctx context.Context) []AchievementDTO {
	defs := h.catalog.All()
	out := make([]AchievementDTO, 0, len(defs))
	for _, d := range defs {
		out = append(out, toAchievementDTO(d))
	}
	return out
}

func toAchievementDTO(d achievement.Definition) AchievementDTO {
	return AchievementDTO{
		ID:          d.ID,
		Name:        d.Name,
		Description: d.Description,
		Category:    string(d.Category),
		Criteria:    d.Predicate.Criteria(),
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Progress
// ─────────────────────────────────────────────────────────────────────────────

// GetAchievementProgressQuery identifies the user and an optional category.
type GetAchievementProgressQuery struct {
	UserID   string
	Category string
}

// AchievementProgressDTO is one definition with the user's standing.
type AchievementProgressDTO struct {
	Achievement AchievementDTO `json:"achievement"`
	Current     int64          `json:"current"`
	Target      int64          `json:"target"`
	Percentage  float64        `json:"percentage"`
	Earned      bool           `json:"earned"`
	EarnedAt    string         `json:"earned_at,omitempty"`
}

// GetAchievementProgressHandler handles GetAchievementProgressQuery.
type GetAchievementProgressHandler struct {
	evaluator *achievement.Evaluator
}

// NewGetAchievementProgressHandler creates a handler.
func NewGetAchievementProgressHandler(evaluator *achievement.Evaluator) *GetAchievementProgressHandler {
	return &GetAchievementProgressHandler{evaluator: evaluator}
}

// Handle returns progress for every definition, optionally filtered by category.
func (h *GetAchievementProgressHandler) Handle(ctx context.Context, q GetAchievementProgressQuery) ([]AchievementProgressDTO, error) {
	if q.UserID == "" {
		return nil, shared.ErrUserIDRequired
	}
	progress, err := h.evaluator.Progress(ctx, q.UserID)
	if err != nil {
		return nil, err
	}
	out := make([]AchievementProgressDTO, 0, len(progress))
	for _, p := range progress {
		if q.Category != "" && string(p.Definition.Category) != q.Category {
			continue
		}
		dto := AchievementProgressDTO{
			Achievement: toAchievementDTO(p.Definition),
			Current:     p.Current,
			Target:      p.Target,
			Percentage:  p.Percentage(),
			Earned:      p.Earned,
		}
		if p.EarnedAt != nil {
			dto.EarnedAt = p.EarnedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
		}
		out = append(out, dto)
	}
	return out, nil
}
