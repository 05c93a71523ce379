package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// SaveTransfer inserts or replaces a transfer record.
func (s *Store) SaveTransfer(record TransferRecord) error {
	if record.FileID == "" {
		return errors.New("file_id is required")
	}
	if record.FileName == "" {
		return errors.New("file_name is required")
	}
	if record.TransferStatus == "" {
		record.TransferStatus = TransferStatusPending
	}
	if err := validateTransferStatus(record.TransferStatus); err != nil {
		return err
	}
	if err := validateDirection(record.Direction); err != nil {
		return err
	}
	if record.UpdatedAt == 0 {
		record.UpdatedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (
			file_id,
			sender,
			receiver,
			file_name,
			file_size,
			stored_path,
			checksum,
			direction,
			transfer_status,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_id) DO UPDATE SET
			stored_path     = excluded.stored_path,
			transfer_status = excluded.transfer_status,
			updated_at      = excluded.updated_at`,
		record.FileID,
		record.Sender,
		record.Receiver,
		record.FileName,
		record.FileSize,
		record.StoredPath,
		record.Checksum,
		record.Direction,
		record.TransferStatus,
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save transfer %q: %w", record.FileID, err)
	}

	return nil
}

// UpdateTransferStatus updates transfer_status for a transfer row.
func (s *Store) UpdateTransferStatus(fileID, status string) error {
	if fileID == "" {
		return errors.New("file_id is required")
	}
	if err := validateTransferStatus(status); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE transfers
		SET transfer_status = ?, updated_at = ?
		WHERE file_id = ?`,
		status,
		nowUnixMilli(),
		fileID,
	)
	if err != nil {
		return fmt.Errorf("update transfer status %q: %w", fileID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for transfer status %q: %w", fileID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// GetTransferByID fetches a transfer record by file ID.
func (s *Store) GetTransferByID(fileID string) (*TransferRecord, error) {
	if fileID == "" {
		return nil, errors.New("file_id is required")
	}

	row := s.db.QueryRow(
		`SELECT file_id, sender, receiver, file_name, file_size, stored_path,
			checksum, direction, transfer_status, updated_at
		FROM transfers
		WHERE file_id = ?`,
		fileID,
	)

	return scanTransfer(row)
}

// ListTransfers returns transfer records ordered most recent first.
func (s *Store) ListTransfers(limit int) ([]TransferRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(
		`SELECT file_id, sender, receiver, file_name, file_size, stored_path,
			checksum, direction, transfer_status, updated_at
		FROM transfers
		ORDER BY updated_at DESC, file_id
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var records []TransferRecord
	for rows.Next() {
		record, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfers: %w", err)
	}

	return records, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row scanner) (*TransferRecord, error) {
	var record TransferRecord
	err := row.Scan(
		&record.FileID,
		&record.Sender,
		&record.Receiver,
		&record.FileName,
		&record.FileSize,
		&record.StoredPath,
		&record.Checksum,
		&record.Direction,
		&record.TransferStatus,
		&record.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan transfer record: %w", err)
	}
	return &record, nil
}
