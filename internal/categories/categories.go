// Package categories manages each identity's income and expense labels.
// Deleting a label only removes it from the choices offered for new
// transactions; stored transactions keep whatever label they were saved with.
package categories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"fintrack/internal/core"
	"fintrack/internal/log"
)

// MaxLabelLength bounds a category label in runes.
const MaxLabelLength = 40

var (
	ErrEmptyLabel   = errors.New("empty category label")
	ErrLabelTooLong = errors.New("category label too long")
	ErrDuplicate    = errors.New("category already exists")
	ErrNotFound     = errors.New("category not found")
	ErrProtected    = errors.New("category cannot be deleted")
	ErrLastCategory = errors.New("cannot delete the last category")
	ErrNoIdentity   = errors.New("missing identity")
)

// Repository persists category sets per identity.
type Repository interface {
	// Load returns the stored set; found is false when the identity has
	// never been materialised.
	Load(ctx context.Context, identity string) (set core.CategorySet, found bool, err error)
	// Init stores set for an identity that has none yet.
	Init(ctx context.Context, identity string, set core.CategorySet) error
	Add(ctx context.Context, identity string, t core.TransactionType, label string) error
	// Delete removes label atomically with respect to other deletes. It
	// returns ErrNotFound for a missing label and ErrLastCategory instead of
	// removing the last label of t.
	Delete(ctx context.Context, identity string, t core.TransactionType, label string) error
}

// DefaultProtected lists the labels that can never be deleted unless the
// configuration says otherwise.
var DefaultProtected = []string{"Salary", "Food"}

// Policy is the single place deciding which labels are permanent.
type Policy struct {
	protected map[string]struct{}
	order     []string
}

func NewPolicy(labels []string) Policy {
	p := Policy{protected: map[string]struct{}{}}
	for _, l := range core.DedupeLabels(labels) {
		p.protected[l] = struct{}{}
		p.order = append(p.order, l)
	}
	return p
}

func DefaultPolicy() Policy {
	return NewPolicy(DefaultProtected)
}

func (p Policy) IsProtected(label string) bool {
	_, ok := p.protected[strings.TrimSpace(label)]
	return ok
}

// Labels returns the protected labels in configuration order.
func (p Policy) Labels() []string {
	return append([]string(nil), p.order...)
}

type Service struct {
	repo     Repository
	policy   Policy
	defaults core.CategorySet
	logger   *log.Logger
}

func NewService(repo Repository, policy Policy, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	return &Service{
		repo:     repo,
		policy:   policy,
		defaults: core.DefaultCategorySet(),
		logger:   logger.WithComponent(log.ComponentCategories),
	}
}

// Policy returns the protection policy in force.
func (s *Service) Policy() Policy {
	return s.policy
}

// Get returns the identity's set, seeding it with the defaults on first use.
func (s *Service) Get(ctx context.Context, identity string) (core.CategorySet, error) {
	if identity == "" {
		return core.CategorySet{}, ErrNoIdentity
	}
	set, found, err := s.repo.Load(ctx, identity)
	if err != nil {
		return core.CategorySet{}, fmt.Errorf("load categories: %w", err)
	}
	if found {
		return set, nil
	}

	set = s.defaults.Clone()
	if err := s.repo.Init(ctx, identity, set); err != nil {
		return core.CategorySet{}, fmt.Errorf("init categories: %w", err)
	}
	s.logger.InfoContext(ctx, "Seeded default categories", log.FieldIdentity, identity)
	return set, nil
}

// Add appends label to the set of type t.
func (s *Service) Add(ctx context.Context, identity string, t core.TransactionType, label string) error {
	label, err := normalize(t, label)
	if err != nil {
		return err
	}
	set, err := s.Get(ctx, identity)
	if err != nil {
		return err
	}
	if set.Contains(t, label) {
		return fmt.Errorf("%w: %s %q", ErrDuplicate, t, label)
	}
	if err := s.repo.Add(ctx, identity, t, label); err != nil {
		return fmt.Errorf("add category: %w", err)
	}
	s.logger.InfoContext(ctx, "Category added",
		log.FieldIdentity, identity,
		log.FieldTxType, t.String(),
		log.FieldCategory, label)
	return nil
}

// Delete removes label from the set of type t. Protected labels and the last
// remaining label of a type are refused.
func (s *Service) Delete(ctx context.Context, identity string, t core.TransactionType, label string) error {
	label, err := normalize(t, label)
	if err != nil {
		return err
	}
	if s.policy.IsProtected(label) {
		return fmt.Errorf("%w: %q", ErrProtected, label)
	}
	set, err := s.Get(ctx, identity)
	if err != nil {
		return err
	}
	if !set.Contains(t, label) {
		return fmt.Errorf("%w: %s %q", ErrNotFound, t, label)
	}
	if len(set.Labels(t)) <= 1 {
		return ErrLastCategory
	}
	// The checks above give early answers; the repository enforces them
	// against concurrent deletes.
	if err := s.repo.Delete(ctx, identity, t, label); err != nil {
		if errors.Is(err, ErrLastCategory) || errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("delete category: %w", err)
	}
	s.logger.InfoContext(ctx, "Category deleted",
		log.FieldIdentity, identity,
		log.FieldTxType, t.String(),
		log.FieldCategory, label)
	return nil
}

func normalize(t core.TransactionType, label string) (string, error) {
	if !t.Valid() {
		return "", core.ErrInvalidType
	}
	label = strings.TrimSpace(label)
	if label == "" {
		return "", ErrEmptyLabel
	}
	if utf8.RuneCountInString(label) > MaxLabelLength {
		return "", ErrLabelTooLong
	}
	return label, nil
}
