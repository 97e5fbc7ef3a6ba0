package cli

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/ezachrisen/cohort"
)

// defaultQuery reads the subjects table of a registry extract. A custom
// query must return the same columns in the same order; NULL means not
// recorded. Columns after these are numeric covariates, stored in
// Subject.Extra under the column name.
const defaultQuery = `SELECT id, birth_date, sex, family_id, mother_id, father_id,
	mother_birth_date, father_birth_date, family_size, index_date
FROM subjects`

const subjectColumns = 10

// loadSubjectsDB reads subjects from a SQLite database with query.
func loadSubjectsDB(ctx context.Context, path, query string) ([]cohort.Subject, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	defer func() { _ = db.Close() }()

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "select subjects")
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, errors.Wrap(err, "select subjects")
	}
	if len(cols) < subjectColumns {
		return nil, errors.Errorf("scan subject: query returns %d columns, need at least %d", len(cols), subjectColumns)
	}
	extraCols := cols[subjectColumns:]

	g, ctx := errgroup.WithContext(ctx)
	ch := make(chan cohort.Subject, 256)

	g.Go(func() error {
		defer close(ch)
		for rows.Next() {
			var (
				id, birth, sex, family, mother, father sql.NullString
				motherBirth, fatherBirth, index        sql.NullString
				size                                   sql.NullInt64
			)
			extras := make([]sql.NullFloat64, len(extraCols))
			dest := []any{&id, &birth, &sex, &family, &mother, &father,
				&motherBirth, &fatherBirth, &size, &index}
			for i := range extras {
				dest = append(dest, &extras[i])
			}
			if err := rows.Scan(dest...); err != nil {
				return errors.Wrap(err, "scan subject")
			}
			rec := record{
				ID:              id.String,
				BirthDate:       birth.String,
				Sex:             sex.String,
				FamilyID:        family.String,
				MotherID:        mother.String,
				FatherID:        father.String,
				MotherBirthDate: motherBirth.String,
				FatherBirthDate: fatherBirth.String,
				FamilySize:      int(size.Int64),
				IndexDate:       index.String,
			}
			for i, x := range extras {
				if !x.Valid {
					continue
				}
				if rec.Extra == nil {
					rec.Extra = make(map[string]float64, len(extras))
				}
				rec.Extra[extraCols[i]] = x.Float64
			}
			s, err := rec.subject()
			if err != nil {
				return err
			}
			select {
			case ch <- s:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return errors.Wrap(rows.Err(), "select subjects")
	})

	var subjects []cohort.Subject
	g.Go(func() error {
		var err error
		subjects, err = cohort.Collect(ctx, ch)
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return subjects, nil
}
