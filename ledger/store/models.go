// Package store is the concrete gorm.DB-backed implementation of
// ledger.Store, swappable between an embedded pure-Go SQLite driver and
// PostgreSQL by configuration.
package store

import "gorm.io/gorm"

// accountRow is the row shape for KeyAccount entries. Balance is kept
// as a base-10 decimal string since big.Int has no native SQL mapping
// that both sqlite and postgres drivers agree on.
type accountRow struct {
	Account               string `gorm:"primaryKey;size:64"`
	Balance               string `gorm:"size:78"`
	InflationDest         string `gorm:"size:64"`
	LastModifiedLedgerSeq uint32
}

func (accountRow) TableName() string { return "accounts" }

// trustLineRow is the row shape for KeyTrustLine entries.
type trustLineRow struct {
	Account               string `gorm:"primaryKey;size:64"`
	AssetKey              string `gorm:"primaryKey;size:66"`
	AssetType             uint8
	AssetCode             string `gorm:"size:12"`
	AssetIssuer           string `gorm:"size:64"`
	Balance               string `gorm:"size:78"`
	Limit                 string `gorm:"size:78"`
	Authorized            bool
	LastModifiedLedgerSeq uint32
}

func (trustLineRow) TableName() string { return "trustlines" }

// offerRow is the row shape for KeyOffer entries.
type offerRow struct {
	Account               string `gorm:"primaryKey;size:64"`
	OfferID               uint64 `gorm:"primaryKey"`
	BuyingType            uint8
	BuyingCode            string `gorm:"size:12"`
	BuyingIssuer          string `gorm:"size:64"`
	SellingType           uint8
	SellingCode           string `gorm:"size:12"`
	SellingIssuer         string `gorm:"size:64"`
	PriceN                int64
	PriceD                int64
	Amount                int64
	LastModifiedLedgerSeq uint32
}

func (offerRow) TableName() string { return "offers" }

// dataRow is the row shape for KeyData entries.
type dataRow struct {
	Account               string `gorm:"primaryKey;size:64"`
	Name                  string `gorm:"primaryKey;size:64"`
	Value                 []byte
	LastModifiedLedgerSeq uint32
}

func (dataRow) TableName() string { return "ledger_data" }

// AutoMigrate performs schema migration for all four ledger tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&accountRow{}, &trustLineRow{}, &offerRow{}, &dataRow{})
}
