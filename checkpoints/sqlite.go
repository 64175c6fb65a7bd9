package checkpoints

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"

	_ "modernc.org/sqlite" // pure Go SQLite driver, registered as "sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS meta(
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS weights(
	position INTEGER NOT NULL,
	name TEXT PRIMARY KEY,
	layer TEXT NOT NULL,
	kind TEXT NOT NULL,
	shape TEXT NOT NULL,
	data BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS optimizer_state(
	position INTEGER NOT NULL,
	name TEXT PRIMARY KEY,
	state_type TEXT NOT NULL,
	shape TEXT NOT NULL,
	data BLOB NOT NULL
);`

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint database: %w", err)
	}
	return db, nil
}

// saveSQLite writes a fresh database at path. The previous file, if any, is replaced
// only after the new one is complete.
func saveSQLite(checkpoint *Checkpoint, path string) error {
	return replaceFile(path, func(tmp string) error {
		return writeSQLite(checkpoint, tmp)
	})
}

func writeSQLite(checkpoint *Checkpoint, path string) (err error) {
	db, err := openSQLite(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	if _, err = db.Exec(sqliteSchema); err != nil {
		return fmt.Errorf("failed to create checkpoint tables: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	meta := map[string]interface{}{
		"schema_version": checkpoint.SchemaVersion,
		"training_state": checkpoint.TrainingState,
		"metadata":       checkpoint.Metadata,
	}
	if checkpoint.ModelSpec != nil {
		meta["model_spec"] = checkpoint.ModelSpec
	}
	if checkpoint.OptimizerState != nil {
		meta["optimizer_type"] = checkpoint.OptimizerState.Type
		meta["optimizer_parameters"] = checkpoint.OptimizerState.Parameters
	}
	for key, value := range meta {
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", key, err)
		}
		if _, err := tx.Exec(`INSERT INTO meta(key, value) VALUES(?, ?)`, key, string(raw)); err != nil {
			return fmt.Errorf("failed to write %s: %w", key, err)
		}
	}

	for i, w := range checkpoint.Weights {
		shape, _ := json.Marshal(w.Shape)
		_, err = tx.Exec(`INSERT INTO weights(position, name, layer, kind, shape, data) VALUES(?, ?, ?, ?, ?, ?)`,
			i, w.Name, w.Layer, w.Type, string(shape), encodeFloats(w.Data))
		if err != nil {
			return fmt.Errorf("failed to write weight %s: %w", w.Name, err)
		}
	}

	if checkpoint.OptimizerState != nil {
		for i, s := range checkpoint.OptimizerState.StateData {
			shape, _ := json.Marshal(s.Shape)
			_, err = tx.Exec(`INSERT INTO optimizer_state(position, name, state_type, shape, data) VALUES(?, ?, ?, ?, ?)`,
				i, s.Name, s.StateType, string(shape), encodeFloats(s.Data))
			if err != nil {
				return fmt.Errorf("failed to write optimizer tensor %s: %w", s.Name, err)
			}
		}
	}

	return tx.Commit()
}

func openExisting(path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	return openSQLite(path)
}

func loadSQLite(path string) (*Checkpoint, error) {
	db, err := openExisting(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	meta, err := readMeta(db)
	if err != nil {
		return nil, err
	}
	ckpt := &Checkpoint{}
	if err := decodeMeta(meta, "schema_version", &ckpt.SchemaVersion); err != nil {
		return nil, err
	}
	if err := decodeMeta(meta, "training_state", &ckpt.TrainingState); err != nil {
		return nil, err
	}
	if err := decodeMeta(meta, "metadata", &ckpt.Metadata); err != nil {
		return nil, err
	}
	if _, ok := meta["model_spec"]; ok {
		if err := decodeMeta(meta, "model_spec", &ckpt.ModelSpec); err != nil {
			return nil, err
		}
	}

	rows, err := db.Query(`SELECT name, layer, kind, shape, data FROM weights ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("failed to read weights: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		w, err := scanWeight(rows)
		if err != nil {
			return nil, err
		}
		ckpt.Weights = append(ckpt.Weights, w)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, ok := meta["optimizer_type"]; ok {
		state := &OptimizerState{}
		if err := decodeMeta(meta, "optimizer_type", &state.Type); err != nil {
			return nil, err
		}
		if err := decodeMeta(meta, "optimizer_parameters", &state.Parameters); err != nil {
			return nil, err
		}
		orows, err := db.Query(`SELECT name, state_type, shape, data FROM optimizer_state ORDER BY position`)
		if err != nil {
			return nil, fmt.Errorf("failed to read optimizer state: %w", err)
		}
		defer orows.Close()
		for orows.Next() {
			var name, stateType, shapeText string
			var blob []byte
			if err := orows.Scan(&name, &stateType, &shapeText, &blob); err != nil {
				return nil, err
			}
			var shape []int
			if err := json.Unmarshal([]byte(shapeText), &shape); err != nil {
				return nil, fmt.Errorf("optimizer tensor %s: bad shape: %w", name, err)
			}
			data, err := decodeFloats(blob)
			if err != nil {
				return nil, fmt.Errorf("optimizer tensor %s: %w", name, err)
			}
			state.StateData = append(state.StateData, OptimizerTensor{Name: name, Shape: shape, Data: data, StateType: stateType})
		}
		if err := orows.Err(); err != nil {
			return nil, err
		}
		ckpt.OptimizerState = state
	}
	return ckpt, nil
}

// readSQLiteWeights looks up each name individually so only the requested rows are read.
func readSQLiteWeights(path string, names []string) (map[string]WeightTensor, error) {
	db, err := openExisting(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	stmt, err := db.Prepare(`SELECT name, layer, kind, shape, data FROM weights WHERE name = ?`)
	if err != nil {
		return nil, fmt.Errorf("failed to read weights: %w", err)
	}
	defer stmt.Close()

	out := make(map[string]WeightTensor, len(names))
	for _, name := range names {
		w, err := scanWeight(stmt.QueryRow(name))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", name, ErrWeightNotFound)
		}
		if err != nil {
			return nil, err
		}
		out[name] = w
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWeight(row scanner) (WeightTensor, error) {
	var w WeightTensor
	var shapeText string
	var blob []byte
	if err := row.Scan(&w.Name, &w.Layer, &w.Type, &shapeText, &blob); err != nil {
		return w, err
	}
	if err := json.Unmarshal([]byte(shapeText), &w.Shape); err != nil {
		return w, fmt.Errorf("weight %s: bad shape: %w", w.Name, err)
	}
	data, err := decodeFloats(blob)
	if err != nil {
		return w, fmt.Errorf("weight %s: %w", w.Name, err)
	}
	n := 1
	for _, d := range w.Shape {
		n *= d
	}
	if n != len(data) {
		return w, fmt.Errorf("weight %s: shape %v holds %d values, blob has %d", w.Name, w.Shape, n, len(data))
	}
	w.Data = data
	return w, nil
}

func readMeta(db *sql.DB) (map[string]string, error) {
	rows, err := db.Query(`SELECT key, value FROM meta`)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint metadata: %w", err)
	}
	defer rows.Close()
	meta := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		meta[k] = v
	}
	return meta, rows.Err()
}

func decodeMeta(meta map[string]string, key string, dst interface{}) error {
	raw, ok := meta[key]
	if !ok {
		return fmt.Errorf("checkpoint metadata is missing %s", key)
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

// encodeFloats packs float32 values little-endian.
func encodeFloats(data []float32) []byte {
	buf := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func decodeFloats(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("blob length %d is not a multiple of 4", len(buf))
	}
	data := make([]float32, len(buf)/4)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return data, nil
}
