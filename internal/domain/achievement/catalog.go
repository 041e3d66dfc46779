package achievement

import (
	"fmt"

	"github.com/qahub/reputation-engine/internal/domain/points"
	"github.com/qahub/reputation-engine/internal/domain/shared"
)

// Category groups achievements for display.
type Category string

const (
	CategoryBeginner    Category = "beginner"
	CategoryContributor Category = "contributor"
	CategoryExpert      Category = "expert"
	CategoryStreak      Category = "streak"
)

// Definition is one entry of the static catalog.
type Definition struct {
	ID          string
	Name        string
	Description string
	Category    Category
	Predicate   Predicate
}

// Catalog is an ordered, id-indexed set of definitions. It is read-only after
// construction and safe for concurrent use.
type Catalog struct {
	defs  []Definition
	index map[string]int
}

// NewCatalog rejects empty or repeated ids and nil predicates.
func NewCatalog(defs ...Definition) (*Catalog, error) {
	c := &Catalog{
		defs:  make([]Definition, 0, len(defs)),
		index: make(map[string]int, len(defs)),
	}
	for _, d := range defs {
		if d.ID == "" || d.Predicate == nil {
			return nil, shared.NewDomainError("achievement", "NewCatalog", shared.ErrInvalidInput,
				fmt.Sprintf("definition %q needs an id and a predicate", d.ID))
		}
		if _, dup := c.index[d.ID]; dup {
			return nil, shared.WrapError("achievement", "NewCatalog", shared.ErrAlreadyExists,
				shared.ErrDuplicateAchievement.Message, fmt.Errorf("id %s", d.ID))
		}
		c.index[d.ID] = len(c.defs)
		c.defs = append(c.defs, d)
	}
	return c, nil
}

// All returns the definitions in catalog order.
func (c *Catalog) All() []Definition {
	out := make([]Definition, len(c.defs))
	copy(out, c.defs)
	return out
}

// Find returns the definition with the given id.
func (c *Catalog) Find(id string) (Definition, error) {
	i, ok := c.index[id]
	if !ok {
		return Definition{}, shared.ErrAchievementNotFound
	}
	return c.defs[i], nil
}

// Len returns the number of definitions.
func (c *Catalog) Len() int { return len(c.defs) }

// DefaultCatalog is the production set of achievements.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(
		Definition{ID: "first_question", Name: "Primeira Pergunta", Description: "Faça sua primeira pergunta na comunidade",
			Category: CategoryBeginner, Predicate: EventCount{Type: points.QuestionCreated, Target: 1}},
		Definition{ID: "first_answer", Name: "Primeira Resposta", Description: "Dê sua primeira resposta útil",
			Category: CategoryBeginner, Predicate: EventCount{Type: points.AnswerValidated, Target: 1}},
		Definition{ID: "first_accepted_answer", Name: "Primeira Resposta Aceita", Description: "Tenha uma resposta aceita",
			Category: CategoryBeginner, Predicate: EventCount{Type: points.AnswerAccepted, Target: 1}},
		Definition{ID: "helpful_contributor", Name: "Colaborador Útil", Description: "Tenha 10 respostas aceitas",
			Category: CategoryContributor, Predicate: EventCount{Type: points.AnswerAccepted, Target: 10}},
		Definition{ID: "answer_guru", Name: "Guru das Respostas", Description: "Tenha 50 respostas aceitas",
			Category: CategoryExpert, Predicate: EventCount{Type: points.AnswerAccepted, Target: 50}},
		Definition{ID: "community_champion", Name: "Campeão da Comunidade", Description: "Receba 100 upvotes em suas contribuições",
			Category: CategoryContributor, Predicate: EventCount{Type: points.UpvoteReceived, Target: 100}},
		Definition{ID: "question_master", Name: "Mestre das Perguntas", Description: "Faça 100 perguntas",
			Category: CategoryContributor, Predicate: EventCount{Type: points.QuestionCreated, Target: 100}},
		Definition{ID: "pc_100", Name: "Centenário", Description: "Alcance 100 pontos PC",
			Category: CategoryBeginner, Predicate: PointsThreshold{Currency: PC, Target: 100}},
		Definition{ID: "pc_500", Name: "Quinhentos", Description: "Alcance 500 pontos PC",
			Category: CategoryContributor, Predicate: PointsThreshold{Currency: PC, Target: 500}},
		Definition{ID: "knowledge_master", Name: "Mestre do Conhecimento", Description: "Alcance 1000 pontos PC",
			Category: CategoryExpert, Predicate: PointsThreshold{Currency: PC, Target: 1000}},
		Definition{ID: "pcon_50", Name: "Contribuidor Reconhecido", Description: "Alcance 50 pontos PCon",
			Category: CategoryBeginner, Predicate: PointsThreshold{Currency: PCon, Target: 50}},
		Definition{ID: "pcon_200", Name: "Pilar da Comunidade", Description: "Alcance 200 pontos PCon",
			Category: CategoryExpert, Predicate: PointsThreshold{Currency: PCon, Target: 200}},
		Definition{ID: "week_warrior", Name: "Guerreiro da Semana", Description: "Mantenha uma sequência de 7 dias consecutivos",
			Category: CategoryStreak, Predicate: LoginStreak{Days: 7}},
		Definition{ID: "month_master", Name: "Mestre do Mês", Description: "Mantenha uma sequência de 30 dias consecutivos",
			Category: CategoryStreak, Predicate: LoginStreak{Days: 30}},
	)
	if err != nil {
		panic(err)
	}
	return c
}
