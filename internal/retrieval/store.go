package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Compile-time checks that SQLiteStore implements Store and VectorSearcher.
var (
	_ Store          = (*SQLiteStore)(nil)
	_ VectorSearcher = (*SQLiteStore)(nil)
)

// SQLiteStore keeps documents in the documents table and answers vector
// queries with a brute-force cosine scan. The seq column records first
// insertion order and survives overwrites.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an existing *sql.DB for document operations.
// The documents table must already exist (created via migrations).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// DB exposes the underlying handle.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Put inserts or overwrites a single document.
func (s *SQLiteStore) Put(ctx context.Context, doc Document) error {
	return s.PutBatch(ctx, []Document{doc})
}

// PutBatch inserts or overwrites documents in one transaction.
func (s *SQLiteStore) PutBatch(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("put", fmt.Errorf("beginning insert transaction: %w", err))
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO documents (id, seq, content, source, metadata_json, embedding, created_at)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM documents), ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			source = excluded.source,
			metadata_json = excluded.metadata_json,
			embedding = excluded.embedding,
			created_at = excluded.created_at`)
	if err != nil {
		tx.Rollback()
		return storeErr("put", fmt.Errorf("preparing insert statement: %w", err))
	}
	defer stmt.Close()

	for _, d := range docs {
		if d.ID == "" {
			tx.Rollback()
			return storeErr("put", errors.New("document id is required"))
		}
		meta, err := encodeMetadata(d.Metadata)
		if err != nil {
			tx.Rollback()
			return storeErr("put", fmt.Errorf("encoding metadata for %s: %w", d.ID, err))
		}
		createdAt := d.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx, d.ID, d.Content, d.Source, meta, encodeFloat32s(d.Embedding), createdAt.Format(time.RFC3339Nano)); err != nil {
			tx.Rollback()
			return storeErr("put", fmt.Errorf("inserting document %s: %w", d.ID, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return storeErr("put", fmt.Errorf("committing insert: %w", err))
	}
	return nil
}

// Get returns the document with the given ID, or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, id string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, content, source, metadata_json, embedding, created_at
		FROM documents WHERE id = ?`, id)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, storeErr("get", err)
	}
	return d, nil
}

// Delete removes a document by ID, or returns ErrNotFound.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", id)
	if err != nil {
		return storeErr("delete", fmt.Errorf("deleting document %s: %w", id, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("delete", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Clear removes every document.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM documents"); err != nil {
		return storeErr("clear", err)
	}
	return nil
}

// Count returns the number of stored documents.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents").Scan(&count); err != nil {
		return 0, storeErr("count", err)
	}
	return count, nil
}

// All returns every document in insertion order.
func (s *SQLiteStore) All(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, source, metadata_json, embedding, created_at
		FROM documents ORDER BY seq ASC`)
	if err != nil {
		return nil, storeErr("all", fmt.Errorf("querying documents: %w", err))
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, storeErr("all", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("all", err)
	}
	return docs, nil
}

// Close is a no-op; the *sql.DB is owned by the storage package.
func (s *SQLiteStore) Close() error { return nil }

// idScore holds only the ID, insertion sequence and score during the scan
// phase of SearchVector. Full records are fetched only for the winners.
type idScore struct {
	ID    string
	Seq   int64
	Score float32
}

// SearchVector scans every embedding and returns the topK documents whose
// cosine similarity is at least threshold, best first. Equal scores keep
// insertion order. topK <= 0 returns all matches.
func (s *SQLiteStore) SearchVector(ctx context.Context, vector []float32, topK int, threshold float32) ([]ScoredDocument, error) {
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	// Phase 1: scan only id + embedding to find top-K candidates.
	rows, err := s.db.QueryContext(ctx, `SELECT id, seq, embedding FROM documents ORDER BY seq ASC`)
	if err != nil {
		return nil, storeErr("search", fmt.Errorf("querying vectors: %w", err))
	}
	defer rows.Close()

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id string
		var seq int64
		var blob []byte
		if err := rows.Scan(&id, &seq, &blob); err != nil {
			return nil, storeErr("search", fmt.Errorf("scanning row: %w", err))
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, storeErr("search", fmt.Errorf("decoding embedding for %s: %w", id, err))
		}

		score := dotProduct(vector, buf, queryNorm)
		if score < threshold {
			continue
		}
		item := idScore{ID: id, Seq: seq, Score: score}
		if topK <= 0 || h.Len() < topK {
			heap.Push(h, item)
		} else if better(item, (*h)[0]) {
			(*h)[0] = item
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("search", fmt.Errorf("iterating rows: %w", err))
	}

	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch full records only for the top-K IDs.
	winners := make([]idScore, h.Len())
	copy(winners, *h)
	sort.Slice(winners, func(i, j int) bool { return better(winners[i], winners[j]) })

	queryArgs := make([]any, len(winners))
	for i, w := range winners {
		queryArgs[i] = w.ID
	}
	fullQuery := `SELECT id, content, source, metadata_json, embedding, created_at
		FROM documents WHERE id IN (?` + strings.Repeat(",?", len(winners)-1) + `)`

	fullRows, err := s.db.QueryContext(ctx, fullQuery, queryArgs...)
	if err != nil {
		return nil, storeErr("search", fmt.Errorf("fetching top-K documents: %w", err))
	}
	defer fullRows.Close()

	byID := make(map[string]Document, len(winners))
	for fullRows.Next() {
		d, err := scanDocument(fullRows)
		if err != nil {
			return nil, storeErr("search", err)
		}
		byID[d.ID] = d
	}
	if err := fullRows.Err(); err != nil {
		return nil, storeErr("search", fmt.Errorf("iterating full records: %w", err))
	}

	results := make([]ScoredDocument, 0, len(winners))
	for _, w := range winners {
		if d, ok := byID[w.ID]; ok {
			results = append(results, ScoredDocument{Document: d, Score: w.Score})
		}
	}
	return results, nil
}

// better reports whether a ranks ahead of b: higher score first, then the
// earlier insertion.
func better(a, b idScore) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.Seq < b.Seq
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var d Document
	var meta string
	var blob []byte
	var createdAt string
	if err := row.Scan(&d.ID, &d.Content, &d.Source, &meta, &blob, &createdAt); err != nil {
		return Document{}, err
	}
	embedding, err := decodeFloat32s(blob)
	if err != nil {
		return Document{}, fmt.Errorf("decoding embedding for %s: %w", d.ID, err)
	}
	if len(embedding) > 0 {
		d.Embedding = embedding
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &d.Metadata); err != nil {
			return Document{}, fmt.Errorf("decoding metadata for %s: %w", d.ID, err)
		}
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Document{}, fmt.Errorf("parsing created_at for id %s: %w", d.ID, err)
	}
	d.CreatedAt = t
	return d, nil
}

func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4 (indicates data corruption).
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// dotProduct computes cosine similarity as dot(a,b) / (aNorm * bNorm).
// aNorm is the precomputed L2 norm of vector a. Mismatched lengths and zero
// norms score 0.
func dotProduct(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) || aNorm == 0 {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// idScoreHeap is a min-heap of idScore: the root is the weakest candidate.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int           { return len(h) }
func (h idScoreHeap) Less(i, j int) bool { return better(h[j], h[i]) }
func (h idScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)        { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
