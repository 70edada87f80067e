package catalog

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/drivelinehq/driveline/errs"
)

// NormalizePartNumber derives the natural key from a raw part number:
// alphanumeric characters only, uppercased.
func NormalizePartNumber(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - ('a' - 'A'))
		}
	}
	return b.String()
}

// Store is the gorm-backed read side of the catalog. Importers write
// through bulk SQL; this store serves lookups.
type Store struct {
	db *gorm.DB
}

// NewStore creates the repository.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Name identifies this service in the registry.
func (s *Store) Name() string { return "catalog" }

// GetProduct fetches one product by its normalized part number.
func (s *Store) GetProduct(ctx context.Context, stripped string) (*Product, error) {
	var p Product
	err := s.db.WithContext(ctx).First(&p, "part_number_stripped = ?", stripped).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.NotFound("product", stripped)
	}
	if err != nil {
		return nil, errs.Database("failed to load product", err)
	}
	return &p, nil
}

// ResolveProductIDs maps normalized part numbers to surrogate ids in a
// single query. Missing keys are absent from the result.
func (s *Store) ResolveProductIDs(ctx context.Context, stripped []string) (map[string]uint, error) {
	if len(stripped) == 0 {
		return map[string]uint{}, nil
	}

	var rows []struct {
		ID                 uint
		PartNumberStripped string
	}
	err := s.db.WithContext(ctx).
		Model(&Product{}).
		Select("id", "part_number_stripped").
		Where("part_number_stripped IN ?", stripped).
		Find(&rows).Error
	if err != nil {
		return nil, errs.Database("failed to resolve products", err)
	}

	out := make(map[string]uint, len(rows))
	for _, row := range rows {
		out[row.PartNumberStripped] = row.ID
	}
	return out, nil
}

// CountProducts reports the catalog size, used by import summaries.
func (s *Store) CountProducts(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&Product{}).Count(&n).Error; err != nil {
		return 0, errs.Database("failed to count products", err)
	}
	return n, nil
}
