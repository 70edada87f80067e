// Package catalog holds the parts-catalog records the sync engine
// imports into. Products are keyed by the normalized part number; the
// child tables hang off the product surrogate id.
package catalog

import "time"

// Product is one catalog part. PartNumberStripped is the natural key
// importers resolve against: alphanumeric-only, uppercase.
type Product struct {
	ID                 uint    `gorm:"primaryKey" json:"id"`
	PartNumber         string  `gorm:"not null;index" json:"part_number"`
	PartNumberStripped string  `gorm:"uniqueIndex;not null" json:"part_number_stripped"`
	Name               string  `json:"name"`
	Brand              string  `gorm:"index" json:"brand"`
	Category           string  `json:"category"`
	UnitOfMeasure      string  `json:"unit_of_measure"`
	Weight             float64 `json:"weight"`
	IsActive           bool    `gorm:"default:true" json:"is_active"`
	IsHazmat           bool    `json:"is_hazmat"`
	DiscontinuedAt     *time.Time `json:"discontinued_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Product) TableName() string { return "products" }

// ProductDescription is one description row. The importer replaces the
// full child set per product on every run.
type ProductDescription struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	ProductID uint   `gorm:"index;not null" json:"product_id"`
	Kind      string `gorm:"not null" json:"kind"`
	Text      string `json:"text"`
	Sequence  int    `json:"sequence"`

	CreatedAt time.Time `json:"created_at"`
}

func (ProductDescription) TableName() string { return "product_descriptions" }

// ProductMarketing is marketing copy attached to a product.
type ProductMarketing struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	ProductID uint   `gorm:"index;not null" json:"product_id"`
	Kind      string `gorm:"not null" json:"kind"`
	Content   string `json:"content"`

	CreatedAt time.Time `json:"created_at"`
}

func (ProductMarketing) TableName() string { return "product_marketing" }

// Measurement is one dimensional attribute of a product.
type Measurement struct {
	ID        uint    `gorm:"primaryKey" json:"id"`
	ProductID uint    `gorm:"index:idx_measurement_kind,unique;not null" json:"product_id"`
	Kind      string  `gorm:"index:idx_measurement_kind,unique;not null" json:"kind"`
	Value     float64 `json:"value"`
	Unit      string  `json:"unit"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Measurement) TableName() string { return "measurements" }

// StockLevel is the on-hand quantity at one location.
type StockLevel struct {
	ID        uint    `gorm:"primaryKey" json:"id"`
	ProductID uint    `gorm:"index:idx_stock_location,unique;not null" json:"product_id"`
	Location  string  `gorm:"index:idx_stock_location,unique;not null" json:"location"`
	Quantity  float64 `json:"quantity"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (StockLevel) TableName() string { return "stock_levels" }

// Price is one price row per product and price type.
type Price struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	ProductID   uint      `gorm:"index:idx_price_type,unique;not null" json:"product_id"`
	PriceType   string    `gorm:"index:idx_price_type,unique;not null" json:"price_type"`
	Amount      float64   `json:"amount"`
	Currency    string    `gorm:"default:USD" json:"currency"`
	EffectiveAt time.Time `json:"effective_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Price) TableName() string { return "prices" }

// AutocareRecord stores one row of an AutoCare reference subdatabase
// as delivered, keyed by subdatabase and record key.
type AutocareRecord struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	Subdb     string `gorm:"index:idx_autocare_key,unique;not null" json:"subdb"`
	RecordKey string `gorm:"index:idx_autocare_key,unique;not null" json:"record_key"`
	Payload   []byte `gorm:"type:jsonb" json:"payload"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (AutocareRecord) TableName() string { return "autocare_records" }

// Models lists everything this package migrates.
func Models() []interface{} {
	return []interface{}{
		&Product{}, &ProductDescription{}, &ProductMarketing{},
		&Measurement{}, &StockLevel{}, &Price{}, &AutocareRecord{},
	}
}
