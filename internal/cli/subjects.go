package cli

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/ezachrisen/cohort"
)

// record is a subject as it appears in an input file. Dates are YYYY-MM-DD;
// an empty date is not recorded.
type record struct {
	ID              string             `json:"id"`
	BirthDate       string             `json:"birth_date"`
	Sex             string             `json:"sex"`
	FamilyID        string             `json:"family_id"`
	MotherID        string             `json:"mother_id"`
	FatherID        string             `json:"father_id"`
	MotherBirthDate string             `json:"mother_birth_date"`
	FatherBirthDate string             `json:"father_birth_date"`
	FamilySize      int                `json:"family_size"`
	IndexDate       string             `json:"index_date"`
	Extra           map[string]float64 `json:"extra"`
}

func (r *record) subject() (cohort.Subject, error) {
	if r.ID == "" {
		return cohort.Subject{}, errors.New("subject without id")
	}
	s := cohort.Subject{
		ID:         r.ID,
		Sex:        cohort.ParseSex(r.Sex),
		FamilyID:   r.FamilyID,
		MotherID:   r.MotherID,
		FatherID:   r.FatherID,
		FamilySize: r.FamilySize,
		Extra:      r.Extra,
	}
	dates := []struct {
		field string
		in    string
		out   *time.Time
	}{
		{"birth_date", r.BirthDate, &s.BirthDate},
		{"mother_birth_date", r.MotherBirthDate, &s.MotherBirthDate},
		{"father_birth_date", r.FatherBirthDate, &s.FatherBirthDate},
		{"index_date", r.IndexDate, &s.IndexDate},
	}
	for _, d := range dates {
		if d.in == "" {
			continue
		}
		t, err := parseDate(d.in)
		if err != nil {
			return cohort.Subject{}, errors.Wrapf(err, "subject %s: %s", r.ID, d.field)
		}
		*d.out = t
	}
	return s, nil
}

// parseDate accepts YYYY-MM-DD and, for drivers that return timestamps,
// RFC 3339.
func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err == nil {
		return t, nil
	}
	if ts, terr := time.Parse(time.RFC3339, s); terr == nil {
		return cohort.Date(ts.Date()), nil
	}
	return time.Time{}, err
}

// readSubjects decodes a JSON array of subject records. Records are decoded
// as they are read and handed to the collector over a channel.
func readSubjects(ctx context.Context, r io.Reader) ([]cohort.Subject, error) {
	g, ctx := errgroup.WithContext(ctx)
	ch := make(chan cohort.Subject, 256)

	g.Go(func() error {
		defer close(ch)
		dec := json.NewDecoder(r)
		tok, err := dec.Token()
		if err != nil {
			return errors.Wrap(err, "reading subjects")
		}
		if d, ok := tok.(json.Delim); !ok || d != '[' {
			return errors.New("reading subjects: input must be a JSON array")
		}
		for n := 0; dec.More(); n++ {
			var rec record
			if err := dec.Decode(&rec); err != nil {
				return errors.Wrapf(err, "reading subject %d", n)
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
		_, err = dec.Token()
		return errors.Wrap(err, "reading subjects")
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

// subjectSource holds the flags shared by the commands that read subjects.
type subjectSource struct {
	Input string
	DB    string
	Query string
}

func (s *subjectSource) addFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&s.Input, "input", "i", "-", "subject file (JSON array); - reads stdin")
	fs.StringVar(&s.DB, "db", "", "read subjects from this SQLite database instead of --input")
	fs.StringVar(&s.Query, "query", defaultQuery, "query selecting subjects from --db; columns after index_date are read as numeric covariates")
}

func (s *subjectSource) load(ctx context.Context, stdin io.Reader) ([]cohort.Subject, error) {
	if s.DB != "" {
		return loadSubjectsDB(ctx, s.DB, s.Query)
	}
	return loadSubjects(ctx, s.Input, stdin)
}

// openInput opens path for reading; "-" reads stdin.
func openInput(path string, stdin io.Reader) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening input")
	}
	return f, nil
}

func loadSubjects(ctx context.Context, path string, stdin io.Reader) ([]cohort.Subject, error) {
	in, err := openInput(path, stdin)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	return readSubjects(ctx, in)
}
