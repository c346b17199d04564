package core

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minipilot/minipilot/internal/store"
	"github.com/minipilot/minipilot/internal/utils"
	"github.com/minipilot/minipilot/internal/vectorstore"
	"golang.org/x/time/rate"
)

const (
	// A chunk has to fit the embedding model's input; 10000 characters stays
	// well under its token limit.
	ChunkSize    = 10000
	ChunkOverlap = 50

	ingestBatchSize  = 50
	ingestQueueSize  = 16
	indexTimeFormat  = "20060102_150405"
	maxIndexStemSize = 40
)

var (
	ErrUnsupportedFile = errors.New("only .csv files can be uploaded")
	ErrQueueFull       = errors.New("ingest queue is full, retry later")
	ErrUploadNotFound  = errors.New("upload not found")
	ErrCurrentIndex    = errors.New("the current index cannot be dropped")
	ErrNoRows          = errors.New("csv file has no data rows")
	ErrInterrupted     = errors.New("ingestion was interrupted by a restart, upload the file again")
	ErrUploadMissing   = errors.New("uploaded file is missing")
)

// IngestService turns uploaded CSV files into searchable indexes. Uploads are
// processed one at a time by Run.
type IngestService struct {
	dbStore   *store.SQLiteStore
	index     vectorstore.Index
	embedder  Embedder
	uploadDir string
	limiter   *rate.Limiter
	queue     chan string
	now       func() time.Time
}

// NewIngestService limits embedding calls to embedRate per second; a
// non-positive rate disables the limit.
func NewIngestService(db *store.SQLiteStore, index vectorstore.Index, embedder Embedder, uploadDir string, embedRate float64) *IngestService {
	limit := rate.Inf
	if embedRate > 0 {
		limit = rate.Limit(embedRate)
	}
	return &IngestService{
		dbStore:   db,
		index:     index,
		embedder:  embedder,
		uploadDir: uploadDir,
		limiter:   rate.NewLimiter(limit, 1),
		queue:     make(chan string, ingestQueueSize),
		now:       time.Now,
	}
}

// Submit saves the file and queues it for ingestion.
func (s *IngestService) Submit(userID int64, filename string, r io.Reader) (*store.Upload, error) {
	base := filepath.Base(filename)
	if !strings.EqualFold(filepath.Ext(base), ".csv") {
		return nil, ErrUnsupportedFile
	}

	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}
	path := filepath.Join(s.uploadDir, uuid.NewString()+"_"+base)
	if err := saveFile(path, r); err != nil {
		return nil, err
	}

	upload := &store.Upload{
		UserID:    userID,
		Filename:  base,
		Path:      path,
		IndexName: s.indexName(base),
	}
	if err := s.dbStore.CreateUpload(upload); err != nil {
		os.Remove(path)
		return nil, err
	}

	select {
	case s.queue <- upload.ID:
		log.Printf("Queued upload %s (%s) for index %s", upload.ID, base, upload.IndexName)
		return upload, nil
	default:
		upload.Status = store.UploadFailed
		upload.Error = ErrQueueFull.Error()
		if err := s.dbStore.UpdateUpload(upload); err != nil {
			log.Printf("Failed to mark upload %s as failed: %v", upload.ID, err)
		}
		os.Remove(path)
		return nil, ErrQueueFull
	}
}

func saveFile(path string, r io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("failed to save upload: %w", err)
	}
	return f.Close()
}

// Run processes queued uploads until ctx is done. Uploads a previous process
// left behind are handled first.
func (s *IngestService) Run(ctx context.Context) error {
	log.Println("Ingest worker started.")
	backlog, err := s.recoverUploads()
	if err != nil {
		log.Printf("Failed to recover unfinished uploads: %v", err)
	}
	for _, id := range backlog {
		if ctx.Err() != nil {
			break
		}
		s.process(ctx, id)
	}

	for {
		select {
		case <-ctx.Done():
			log.Println("Ingest worker stopped.")
			return nil
		case id := <-s.queue:
			s.process(ctx, id)
		}
	}
}

// process ingests a pending upload. Anything else was already handled and is skipped.
func (s *IngestService) process(ctx context.Context, id string) {
	upload, err := s.dbStore.GetUpload(id)
	if err != nil || upload == nil {
		log.Printf("Skipping upload %s: not found (%v)", id, err)
		return
	}
	if upload.Status != store.UploadPending {
		return
	}
	if err := s.IngestCSV(ctx, upload); err != nil {
		log.Printf("Ingestion of upload %s failed: %v", id, err)
	}
}

// recoverUploads returns the pending uploads still on disk, oldest first.
// Uploads that were running when the previous process stopped are marked
// failed; their partial index is left for the user to drop.
func (s *IngestService) recoverUploads() ([]string, error) {
	uploads, err := s.dbStore.ListUploads()
	if err != nil {
		return nil, err
	}

	var backlog []string
	for i := len(uploads) - 1; i >= 0; i-- {
		upload := uploads[i]
		switch upload.Status {
		case store.UploadPending:
			if _, err := os.Stat(upload.Path); err == nil {
				backlog = append(backlog, upload.ID)
				continue
			}
			upload.Error = ErrUploadMissing.Error()
		case store.UploadRunning:
			upload.Error = ErrInterrupted.Error()
		default:
			continue
		}

		upload.Status = store.UploadFailed
		if err := s.dbStore.UpdateUpload(&upload); err != nil {
			log.Printf("Failed to mark upload %s as failed: %v", upload.ID, err)
			continue
		}
		log.Printf("Upload %s (%s) failed: %s", upload.ID, upload.Filename, upload.Error)
	}
	if len(backlog) > 0 {
		log.Printf("Resuming %d pending uploads.", len(backlog))
	}
	return backlog, nil
}

// IngestFile ingests a local CSV file synchronously.
func (s *IngestService) IngestFile(ctx context.Context, path string) (*store.Upload, error) {
	base := filepath.Base(path)
	if !strings.EqualFold(filepath.Ext(base), ".csv") {
		return nil, ErrUnsupportedFile
	}
	upload := &store.Upload{Filename: base, Path: path, IndexName: s.indexName(base)}
	if err := s.dbStore.CreateUpload(upload); err != nil {
		return nil, err
	}
	return upload, s.IngestCSV(ctx, upload)
}

// IngestCSV embeds every row of the upload's file into a new index and
// records the outcome on the upload.
func (s *IngestService) IngestCSV(ctx context.Context, upload *store.Upload) error {
	if upload.IndexName == "" {
		upload.IndexName = s.indexName(upload.Filename)
	}
	upload.Status = store.UploadRunning
	upload.Error = ""
	if err := s.dbStore.UpdateUpload(upload); err != nil {
		return err
	}

	err := s.ingest(ctx, upload)
	if err != nil {
		upload.Status = store.UploadFailed
		upload.Error = err.Error()
	} else {
		upload.Status = store.UploadDone
	}
	if uerr := s.dbStore.UpdateUpload(upload); uerr != nil {
		log.Printf("Failed to save status of upload %s: %v", upload.ID, uerr)
	}
	if err != nil {
		return err
	}

	log.Printf("Ingested %d rows (%d chunks) from %s into %s", upload.Rows, upload.Chunks, upload.Filename, upload.IndexName)
	current, err := s.index.ResolveAlias(ctx, RAGAlias)
	if err != nil {
		log.Printf("Failed to check %s: %v", RAGAlias, err)
	} else if current == "" {
		log.Printf("Warning: no current index for semantic search. Make %s current to use it.", upload.IndexName)
	}
	return nil
}

func (s *IngestService) ingest(ctx context.Context, upload *store.Upload) error {
	f, err := os.Open(upload.Path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", upload.Filename, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return fmt.Errorf("csv file has no header")
		}
		return fmt.Errorf("failed to read csv header: %w", err)
	}
	header[0] = strings.TrimPrefix(header[0], "\ufeff")

	created := false
	batch := make([]vectorstore.Document, 0, ingestBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		ids, err := s.index.Add(ctx, upload.IndexName, batch)
		upload.Chunks += len(ids)
		batch = batch[:0]
		if err != nil {
			return err
		}
		if err := s.dbStore.UpdateUpload(upload); err != nil {
			log.Printf("Failed to save progress of upload %s: %v", upload.ID, err)
		}
		return nil
	}

	upload.Rows, upload.Chunks = 0, 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read csv row %d: %w", upload.Rows+1, err)
		}
		upload.Rows++

		for i, chunk := range utils.SplitText(rowText(header, record), ChunkSize, ChunkOverlap) {
			if err := s.limiter.Wait(ctx); err != nil {
				return err
			}
			vec, err := s.embedder.GetEmbedding(ctx, chunk)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Printf("Skipping row %d chunk %d of %s: %v", upload.Rows, i, upload.Filename, err)
				continue
			}

			if !created {
				if err := s.index.CreateIndex(ctx, upload.IndexName, len(vec)); err != nil {
					return fmt.Errorf("failed to create index %s: %w", upload.IndexName, err)
				}
				created = true
			}

			batch = append(batch, vectorstore.Document{
				Content: chunk,
				Metadata: map[string]string{
					"source": upload.Filename,
					"row":    strconv.Itoa(upload.Rows),
					"chunk":  strconv.Itoa(i),
				},
				Vector: vec,
			})
			if len(batch) >= ingestBatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	if upload.Rows == 0 {
		return ErrNoRows
	}
	if !created {
		return fmt.Errorf("none of the %d rows could be embedded", upload.Rows)
	}
	return nil
}

// rowText renders a row as "column: value" lines in header order.
func rowText(header, record []string) string {
	lines := make([]string, 0, len(header))
	for i, key := range header {
		value := ""
		if i < len(record) {
			value = record[i]
		}
		lines = append(lines, key+": "+value)
	}
	return strings.Join(lines, "\n")
}

// indexName builds minipilot_rag_<stem>_<timestamp>_idx for a file.
func (s *IngestService) indexName(filename string) string {
	stem := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	stem = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		}
		return '_'
	}, stem)
	stem = strings.Trim(stem, "_")
	if len(stem) > maxIndexStemSize {
		stem = stem[:maxIndexStemSize]
	}
	if stem == "" {
		stem = "data"
	}
	return RAGIndexPrefix + stem + "_" + s.now().Format(indexTimeFormat) + "_idx"
}

func (s *IngestService) GetUpload(id string) (*store.Upload, error) {
	upload, err := s.dbStore.GetUpload(id)
	if err != nil {
		return nil, err
	}
	if upload == nil {
		return nil, ErrUploadNotFound
	}
	return upload, nil
}

func (s *IngestService) ListUploads() ([]store.Upload, error) {
	return s.dbStore.ListUploads()
}

// ListIndexes returns the data indexes, marking the one questions are answered from.
func (s *IngestService) ListIndexes(ctx context.Context) ([]vectorstore.IndexInfo, error) {
	all, err := s.index.ListIndexes(ctx)
	if err != nil {
		return nil, err
	}
	current, err := s.index.ResolveAlias(ctx, RAGAlias)
	if err != nil {
		return nil, err
	}

	indexes := make([]vectorstore.IndexInfo, 0, len(all))
	for _, info := range all {
		if !isDataIndex(info.Name) {
			continue
		}
		info.Current = info.Name == current
		indexes = append(indexes, info)
	}
	return indexes, nil
}

// MakeCurrent points the search alias at name.
func (s *IngestService) MakeCurrent(ctx context.Context, name string) error {
	if !isDataIndex(name) {
		return fmt.Errorf("%s: %w", name, vectorstore.ErrIndexNotFound)
	}
	if err := s.index.SetAlias(ctx, RAGAlias, name); err != nil {
		return err
	}
	log.Printf("Index %s is now current.", name)
	return nil
}

func (s *IngestService) DropIndex(ctx context.Context, name string) error {
	if !isDataIndex(name) {
		return fmt.Errorf("%s: %w", name, vectorstore.ErrIndexNotFound)
	}
	current, err := s.index.ResolveAlias(ctx, RAGAlias)
	if err != nil {
		return err
	}
	if current == name {
		return ErrCurrentIndex
	}
	if err := s.index.DropIndex(ctx, name); err != nil {
		return err
	}
	log.Printf("Dropped index %s.", name)
	return nil
}

func isDataIndex(name string) bool {
	return strings.HasPrefix(name, RAGIndexPrefix) && name != RAGAlias
}
