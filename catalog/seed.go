package catalog

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	orm "github.com/medatechnology/putralib"
	"gopkg.in/yaml.v3"
)

// seedDocument is the layout of a catalogue seed file:
//
//	books:
//	  - title: Dune
//	    author: Frank Herbert
//	    genre: Science Fiction
//	    published_year: 1965
type seedDocument struct {
	Books []BookInput `yaml:"books"`
}

// Seed validates every book in r and inserts them in one batch. Nothing is
// written when a book is invalid.
func (s *Service) Seed(ctx context.Context, r io.Reader) (int, error) {
	var file seedDocument
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		if err == io.EOF {
			return 0, nil
		}
		return 0, fmt.Errorf("decode seed file: %w", err)
	}

	now := s.now()
	records := make(orm.DBRecords, 0, len(file.Books))
	for i, in := range file.Books {
		in, err := in.normalize(now)
		if err != nil {
			return 0, fmt.Errorf("seed book %d: %w", i+1, err)
		}
		row, err := in.record(uuid.NewString())
		if err != nil {
			return 0, fmt.Errorf("seed book %d: %w", i+1, err)
		}
		records.Append(row)
	}
	if len(records) == 0 {
		return 0, nil
	}

	results, err := s.db.InsertManyDBRecordsSameTable(ctx, records)
	if err != nil {
		return 0, s.storeErr("seed books", err)
	}
	inserted, err := orm.TotalRowsAffected(results)
	if err != nil {
		return inserted, s.storeErr("seed books", err)
	}
	s.logger.Info("catalogue seeded",
		orm.Int("books", inserted),
		orm.String("elapsed_ms", orm.SecondToMsString(orm.TotalTimeElapsedInSecond(results))))
	return inserted, nil
}

// SeedFile opens path and passes it to Seed.
func (s *Service) SeedFile(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return s.Seed(ctx, f)
}
