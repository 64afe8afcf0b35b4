package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// contactRow maps to the patients table. Column names follow the patient
// database layout shared with the desktop clients.
type contactRow struct {
	ID         int64  `gorm:"column:_id;primaryKey;autoIncrement"`
	TimeStamp  string `gorm:"column:time_stamp"`
	UID        string `gorm:"column:uid;uniqueIndex"`
	FamilyName string `gorm:"column:family_name"`
	GivenName  string `gorm:"column:given_name"`
	Birthdate  string `gorm:"column:birthdate"`
	Gender     string `gorm:"column:gender"`
	WeightKg   int    `gorm:"column:weight_kg"`
	HeightCm   int    `gorm:"column:height_cm"`
	Zip        string `gorm:"column:zip"`
	City       string `gorm:"column:city"`
	Country    string `gorm:"column:country"`
	Address    string `gorm:"column:address"`
	Phone      string `gorm:"column:phone"`
	Email      string `gorm:"column:email"`
}

func (contactRow) TableName() string { return "patients" }

func rowFromContact(c *Contact) contactRow {
	row := contactRow{
		TimeStamp:  c.TimeStamp,
		UID:        c.UID,
		FamilyName: c.FamilyName,
		GivenName:  c.GivenName,
		Birthdate:  c.Birthdate,
		Gender:     c.Gender,
		WeightKg:   c.WeightKg,
		HeightCm:   c.HeightCm,
		Zip:        c.Zip,
		City:       c.City,
		Country:    c.Country,
		Address:    c.Address,
		Phone:      c.Phone,
		Email:      c.Email,
	}
	if c.ID != nil {
		row.ID = *c.ID
	}
	return row
}

func (r contactRow) toContact() *Contact {
	id := r.ID
	return &Contact{
		ID:         &id,
		TimeStamp:  r.TimeStamp,
		UID:        r.UID,
		FamilyName: r.FamilyName,
		GivenName:  r.GivenName,
		Birthdate:  r.Birthdate,
		Gender:     r.Gender,
		WeightKg:   r.WeightKg,
		HeightCm:   r.HeightCm,
		Zip:        r.Zip,
		City:       r.City,
		Country:    r.Country,
		Address:    r.Address,
		Phone:      r.Phone,
		Email:      r.Email,
	}
}

// SQLiteRegistry keeps the patient registry in a local SQLite database.
type SQLiteRegistry struct {
	db *gorm.DB
}

// OpenSQLiteRegistry opens (creating if needed) the database at path and
// migrates the patients table.
func OpenSQLiteRegistry(path string, logger zerolog.Logger) (*SQLiteRegistry, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormLogger.New(
			&logger,
			gormLogger.Config{
				SlowThreshold:             time.Second,
				LogLevel:                  gormLogger.Warn,
				IgnoreRecordNotFoundError: true,
				Colorful:                  false,
			},
		),
	})
	if err != nil {
		return nil, fmt.Errorf("open patient registry %s: %w", path, err)
	}
	return NewSQLiteRegistry(db)
}

// NewSQLiteRegistry wraps an open gorm handle and migrates the schema.
func NewSQLiteRegistry(db *gorm.DB) (*SQLiteRegistry, error) {
	if err := db.AutoMigrate(&contactRow{}); err != nil {
		return nil, fmt.Errorf("migrate patients table: %w", err)
	}
	return &SQLiteRegistry{db: db}, nil
}

func (r *SQLiteRegistry) LookupByUID(ctx context.Context, uid string) (*Contact, error) {
	var row contactRow
	err := r.db.WithContext(ctx).Where("uid = ?", uid).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrContactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup contact %s: %w", uid, err)
	}
	return row.toContact(), nil
}

func (r *SQLiteRegistry) Insert(ctx context.Context, c *Contact) (int64, error) {
	row := rowFromContact(c)
	row.ID = 0
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, fmt.Errorf("insert contact %s: %w", c.UID, err)
	}
	return row.ID, nil
}

func (r *SQLiteRegistry) Update(ctx context.Context, c *Contact) error {
	var cur contactRow
	err := r.db.WithContext(ctx).Where("uid = ?", c.UID).First(&cur).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrContactNotFound
	}
	if err != nil {
		return fmt.Errorf("update contact %s: %w", c.UID, err)
	}

	row := rowFromContact(c)
	row.ID = cur.ID
	if err := r.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("update contact %s: %w", c.UID, err)
	}
	return nil
}

// Close releases the underlying database handle.
func (r *SQLiteRegistry) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
