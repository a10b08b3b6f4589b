package store

import (
	"fmt"
	"math/big"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/glebarez/sqlite"

	"quorumcore/crypto"
	"quorumcore/ledger"
	"quorumcore/types"
)

// Store is a gorm.DB-backed ledger.Store/ledger.Tx. The zero value is
// not usable; construct with Open or via Begin on another Store.
type Store struct {
	db *gorm.DB
}

// Open connects to the configured backend and migrates the schema.
// driver is "sqlite" or "postgres"; dsn is passed straight to the
// selected gorm driver.
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("ledger/store: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := AutoMigrate(db); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Ping reports whether the underlying connection is alive, for the
// node wiring layer's /healthz endpoint.
func (s *Store) Ping() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

func assetToRow(a ledger.Asset) (t uint8, code, issuer string) {
	if a.Type == ledger.AssetNative {
		return uint8(a.Type), "", ""
	}
	return uint8(a.Type), a.Code, a.Issuer.String()
}

func assetFromRow(t uint8, code, issuer string) (ledger.Asset, error) {
	a := ledger.Asset{Type: ledger.AssetType(t), Code: code}
	if a.Type == ledger.AssetNative {
		return a, nil
	}
	addr, err := crypto.DecodeAddress(issuer)
	if err != nil {
		return ledger.Asset{}, err
	}
	a.Issuer = addr
	return a, nil
}

func (s *Store) LoadAccount(account types.NodeID) (*ledger.Entry, bool, error) {
	var row accountRow
	err := s.db.Where("account = ?", account.String()).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	balance, ok := new(big.Int).SetString(row.Balance, 10)
	if !ok {
		return nil, false, fmt.Errorf("ledger/store: corrupt balance for account %s", row.Account)
	}
	acc := &ledger.Account{Balance: balance}
	if row.InflationDest != "" {
		dest, err := crypto.DecodeAddress(row.InflationDest)
		if err != nil {
			return nil, false, err
		}
		acc.InflationDest = &dest
	}
	return &ledger.Entry{
		Key:                   ledger.AccountKey(account),
		Account:               acc,
		LastModifiedLedgerSeq: row.LastModifiedLedgerSeq,
	}, true, nil
}

func (s *Store) LoadTrustLine(account types.NodeID, asset ledger.Asset) (*ledger.Entry, bool, error) {
	var row trustLineRow
	err := s.db.Where("account = ? AND asset_key = ?", account.String(), assetKeyString(asset)).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	balance, ok := new(big.Int).SetString(row.Balance, 10)
	if !ok {
		return nil, false, fmt.Errorf("ledger/store: corrupt trustline balance")
	}
	limit, ok := new(big.Int).SetString(row.Limit, 10)
	if !ok {
		return nil, false, fmt.Errorf("ledger/store: corrupt trustline limit")
	}
	return &ledger.Entry{
		Key:                   ledger.TrustLineKey(account, asset),
		TrustLine:             &ledger.TrustLine{Balance: balance, Limit: limit, Authorized: row.Authorized},
		LastModifiedLedgerSeq: row.LastModifiedLedgerSeq,
	}, true, nil
}

func (s *Store) LoadOffer(account types.NodeID, offerID uint64) (*ledger.Entry, bool, error) {
	var row offerRow
	err := s.db.Where("account = ? AND offer_id = ?", account.String(), offerID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	offer, _, err := offerFromRow(row)
	if err != nil {
		return nil, false, err
	}
	return &ledger.Entry{
		Key:                   ledger.OfferKey(account, offerID),
		Offer:                 offer,
		LastModifiedLedgerSeq: row.LastModifiedLedgerSeq,
	}, true, nil
}

func (s *Store) LoadData(account types.NodeID, name string) (*ledger.Entry, bool, error) {
	var row dataRow
	err := s.db.Where("account = ? AND name = ?", account.String(), name).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &ledger.Entry{
		Key:                   ledger.DataKey(account, name),
		Data:                  &ledger.Data{Value: append([]byte(nil), row.Value...)},
		LastModifiedLedgerSeq: row.LastModifiedLedgerSeq,
	}, true, nil
}

func (s *Store) UpsertEntry(entry *ledger.Entry) error {
	account := entry.Key.Account.String()
	switch entry.Key.Type {
	case ledger.KeyAccount:
		row := accountRow{Account: account, Balance: entry.Account.Balance.String(), LastModifiedLedgerSeq: entry.LastModifiedLedgerSeq}
		if entry.Account.InflationDest != nil {
			row.InflationDest = entry.Account.InflationDest.String()
		}
		return s.db.Save(&row).Error
	case ledger.KeyTrustLine:
		t, code, issuer := assetToRow(entry.Key.Asset)
		row := trustLineRow{
			Account: account, AssetKey: assetKeyString(entry.Key.Asset),
			AssetType: t, AssetCode: code, AssetIssuer: issuer,
			Balance: entry.TrustLine.Balance.String(), Limit: entry.TrustLine.Limit.String(),
			Authorized: entry.TrustLine.Authorized, LastModifiedLedgerSeq: entry.LastModifiedLedgerSeq,
		}
		return s.db.Save(&row).Error
	case ledger.KeyOffer:
		bt, bcode, bissuer := assetToRow(entry.Offer.Buying)
		st, scode, sissuer := assetToRow(entry.Offer.Selling)
		row := offerRow{
			Account: account, OfferID: entry.Key.OfferID,
			BuyingType: bt, BuyingCode: bcode, BuyingIssuer: bissuer,
			SellingType: st, SellingCode: scode, SellingIssuer: sissuer,
			PriceN: entry.Offer.Price.N, PriceD: entry.Offer.Price.D,
			Amount: entry.Offer.Amount, LastModifiedLedgerSeq: entry.LastModifiedLedgerSeq,
		}
		return s.db.Save(&row).Error
	case ledger.KeyData:
		row := dataRow{Account: account, Name: entry.Key.DataName, Value: entry.Data.Value, LastModifiedLedgerSeq: entry.LastModifiedLedgerSeq}
		return s.db.Save(&row).Error
	default:
		return fmt.Errorf("ledger/store: unknown key type %v", entry.Key.Type)
	}
}

func (s *Store) DeleteEntry(key ledger.LedgerKey) error {
	account := key.Account.String()
	switch key.Type {
	case ledger.KeyAccount:
		return s.db.Where("account = ?", account).Delete(&accountRow{}).Error
	case ledger.KeyTrustLine:
		return s.db.Where("account = ? AND asset_key = ?", account, assetKeyString(key.Asset)).Delete(&trustLineRow{}).Error
	case ledger.KeyOffer:
		return s.db.Where("account = ? AND offer_id = ?", account, key.OfferID).Delete(&offerRow{}).Error
	case ledger.KeyData:
		return s.db.Where("account = ? AND name = ?", account, key.DataName).Delete(&dataRow{}).Error
	default:
		return fmt.Errorf("ledger/store: unknown key type %v", key.Type)
	}
}

func (s *Store) CountEntries(t ledger.KeyType) (int64, error) {
	var count int64
	var err error
	switch t {
	case ledger.KeyAccount:
		err = s.db.Model(&accountRow{}).Count(&count).Error
	case ledger.KeyTrustLine:
		err = s.db.Model(&trustLineRow{}).Count(&count).Error
	case ledger.KeyOffer:
		err = s.db.Model(&offerRow{}).Count(&count).Error
	case ledger.KeyData:
		err = s.db.Model(&dataRow{}).Count(&count).Error
	default:
		return 0, fmt.Errorf("ledger/store: unknown key type %v", t)
	}
	return count, err
}

func (s *Store) AllOffers() ([]*ledger.Entry, error) {
	var rows []offerRow
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, err
	}
	return offersFromRows(rows)
}

func (s *Store) OffersByAccountAndAsset(account types.NodeID, asset ledger.Asset) ([]*ledger.Entry, error) {
	var rows []offerRow
	err := s.db.Where(
		"account = ? AND ((buying_type = ? AND buying_code = ? AND buying_issuer = ?) OR (selling_type = ? AND selling_code = ? AND selling_issuer = ?))",
		account.String(), uint8(asset.Type), asset.Code, assetIssuerString(asset),
		uint8(asset.Type), asset.Code, assetIssuerString(asset),
	).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return offersFromRows(rows)
}

// BestOffersPage returns offers for (buying, selling) ordered by
// ascending price then offer id. The SQL ordering is a floating-point
// approximation of the ratio; Root/Scope re-apply the exact big.Int
// comparison in-memory before ever surfacing a "best" offer to a
// caller.
func (s *Store) BestOffersPage(buying, selling ledger.Asset, offset, limit int) ([]*ledger.Entry, error) {
	var rows []offerRow
	err := s.db.Where(
		"buying_type = ? AND buying_code = ? AND buying_issuer = ? AND selling_type = ? AND selling_code = ? AND selling_issuer = ?",
		uint8(buying.Type), buying.Code, assetIssuerString(buying),
		uint8(selling.Type), selling.Code, assetIssuerString(selling),
	).Order("(price_n * 1.0 / price_d) ASC, offer_id ASC").Offset(offset).Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return offersFromRows(rows)
}

func (s *Store) InflationWinners(max int, minVotes *big.Int) ([]ledger.InflationWinner, error) {
	type aggRow struct {
		InflationDest string
		Total         string
	}
	var rows []aggRow
	err := s.db.Model(&accountRow{}).
		Select("inflation_dest, SUM(CAST(balance AS DECIMAL)) as total").
		Where("inflation_dest <> '' AND CAST(balance AS DECIMAL) >= ?", ledger.MinInflationBalance.String()).
		Group("inflation_dest").
		Having("SUM(CAST(balance AS DECIMAL)) >= ?", minVotes.String()).
		Order("total DESC, inflation_dest DESC").
		Limit(max).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]ledger.InflationWinner, 0, len(rows))
	for _, r := range rows {
		dest, err := crypto.DecodeAddress(r.InflationDest)
		if err != nil {
			return nil, err
		}
		total, ok := new(big.Int).SetString(r.Total, 10)
		if !ok {
			return nil, fmt.Errorf("ledger/store: corrupt inflation total for %s", r.InflationDest)
		}
		out = append(out, ledger.InflationWinner{Dest: dest, Votes: total})
	}
	return out, nil
}

// Begin opens a write transaction and returns a Tx wrapping it.
func (s *Store) Begin() (ledger.Tx, error) {
	tx := s.db.Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}
	return &txStore{Store: Store{db: tx}}, nil
}

type txStore struct {
	Store
}

func (t *txStore) Commit() error   { return t.db.Commit().Error }
func (t *txStore) Rollback() error { return t.db.Rollback().Error }

func assetKeyString(a ledger.Asset) string {
	return fmt.Sprintf("%d:%s:%s", a.Type, a.Code, assetIssuerString(a))
}

func assetIssuerString(a ledger.Asset) string {
	if a.Type == ledger.AssetNative {
		return ""
	}
	return a.Issuer.String()
}

func offerFromRow(row offerRow) (*ledger.Offer, bool, error) {
	buying, err := assetFromRow(row.BuyingType, row.BuyingCode, row.BuyingIssuer)
	if err != nil {
		return nil, false, err
	}
	selling, err := assetFromRow(row.SellingType, row.SellingCode, row.SellingIssuer)
	if err != nil {
		return nil, false, err
	}
	return &ledger.Offer{
		Buying: buying, Selling: selling,
		Price:  ledger.Ratio{N: row.PriceN, D: row.PriceD},
		Amount: row.Amount,
	}, true, nil
}

func offersFromRows(rows []offerRow) ([]*ledger.Entry, error) {
	out := make([]*ledger.Entry, 0, len(rows))
	for _, row := range rows {
		offer, _, err := offerFromRow(row)
		if err != nil {
			return nil, err
		}
		account, err := crypto.DecodeAddress(row.Account)
		if err != nil {
			return nil, err
		}
		out = append(out, &ledger.Entry{
			Key:                   ledger.OfferKey(account, row.OfferID),
			Offer:                 offer,
			LastModifiedLedgerSeq: row.LastModifiedLedgerSeq,
		})
	}
	return out, nil
}
