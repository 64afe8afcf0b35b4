package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRegistry keeps the patient registry in PostgreSQL. The table is created
// by migrations/001_patients.sql.
type PGRegistry struct {
	pool *pgxpool.Pool
}

func NewPGRegistry(pool *pgxpool.Pool) *PGRegistry {
	return &PGRegistry{pool: pool}
}

func (r *PGRegistry) conn() querier {
	return r.pool
}

const contactCols = `id, time_stamp, uid, family_name, given_name, birthdate, gender,
	weight_kg, height_cm, zip, city, country, address, phone, email`

func (r *PGRegistry) LookupByUID(ctx context.Context, uid string) (*Contact, error) {
	c, err := scanContact(r.conn().QueryRow(ctx, `SELECT `+contactCols+` FROM patients WHERE uid = $1`, uid))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrContactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup contact %s: %w", uid, err)
	}
	return c, nil
}

func (r *PGRegistry) Insert(ctx context.Context, c *Contact) (int64, error) {
	var id int64
	err := r.conn().QueryRow(ctx, `
		INSERT INTO patients (
			time_stamp, uid, family_name, given_name, birthdate, gender,
			weight_kg, height_cm, zip, city, country, address, phone, email
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING id`,
		c.TimeStamp, c.UID, c.FamilyName, c.GivenName, c.Birthdate, c.Gender,
		c.WeightKg, c.HeightCm, c.Zip, c.City, c.Country, c.Address, c.Phone, c.Email,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert contact %s: %w", c.UID, err)
	}
	return id, nil
}

func (r *PGRegistry) Update(ctx context.Context, c *Contact) error {
	tag, err := r.conn().Exec(ctx, `
		UPDATE patients SET
			time_stamp=$2, family_name=$3, given_name=$4, birthdate=$5, gender=$6,
			weight_kg=$7, height_cm=$8, zip=$9, city=$10, country=$11, address=$12,
			phone=$13, email=$14, updated_at=NOW()
		WHERE uid = $1`,
		c.UID, c.TimeStamp, c.FamilyName, c.GivenName, c.Birthdate, c.Gender,
		c.WeightKg, c.HeightCm, c.Zip, c.City, c.Country, c.Address, c.Phone, c.Email,
	)
	if err != nil {
		return fmt.Errorf("update contact %s: %w", c.UID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrContactNotFound
	}
	return nil
}

func scanContact(row pgx.Row) (*Contact, error) {
	var c Contact
	var id int64
	err := row.Scan(
		&id, &c.TimeStamp, &c.UID, &c.FamilyName, &c.GivenName, &c.Birthdate, &c.Gender,
		&c.WeightKg, &c.HeightCm, &c.Zip, &c.City, &c.Country, &c.Address, &c.Phone, &c.Email,
	)
	if err != nil {
		return nil, err
	}
	c.ID = &id
	return &c, nil
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}
