package wal

import (
	"errors"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

// VerifyReport summarizes a full scan of a log file.
type VerifyReport struct {
	Records     int
	Puts        int
	Deletes     int
	Checkpoints int

	MinSeq uint64
	MaxSeq uint64

	// ValidBytes is the length of the readable prefix.
	ValidBytes int64

	// MissingSeqs counts sequence numbers absent between MinSeq and MaxSeq.
	MissingSeqs uint64
	FirstGap    uint64

	// OutOfOrder counts records whose sequence did not increase.
	OutOfOrder int

	Corrupt bool
	// Err is the error that halted the scan, if any.
	Err error
}

// Verify scans the log at path without applying it.
//
// The report is Corrupt, and Verify returns ErrCorrupt, when a frame is
// damaged or torn, or the sequence numbers have gaps or go backwards.
func Verify(path string, optFns ...func(o *RecoverOptions)) (VerifyReport, error) {
	it, err := Recover(path, optFns...)
	if err != nil {
		return VerifyReport{}, err
	}
	defer it.Close()

	var (
		rep  VerifyReport
		seen = roaring64.New()
		prev uint64
	)
	for rec, recErr := range it.All() {
		if recErr != nil {
			rep.Err = recErr
			break
		}
		rep.Records++
		switch rec.Type {
		case RecordPut:
			rep.Puts++
		case RecordDelete:
			rep.Deletes++
		case RecordCheckpoint:
			rep.Checkpoints++
		}
		if rec.Seq <= prev {
			rep.OutOfOrder++
		}
		prev = rec.Seq
		if rep.MinSeq == 0 || rec.Seq < rep.MinSeq {
			rep.MinSeq = rec.Seq
		}
		rep.MaxSeq = max(rep.MaxSeq, rec.Seq)
		seen.Add(rec.Seq)
	}
	rep.ValidBytes = it.Offset()

	if rep.Records > 0 {
		missing := roaring64.New()
		missing.AddRange(rep.MinSeq, rep.MaxSeq+1)
		missing.AndNot(seen)
		rep.MissingSeqs = missing.GetCardinality()
		if rep.MissingSeqs > 0 {
			rep.FirstGap = missing.Minimum()
		}
	}

	rep.Corrupt = rep.Err != nil || rep.MissingSeqs > 0 || rep.OutOfOrder > 0
	if !rep.Corrupt {
		return rep, nil
	}

	switch {
	case rep.Err != nil:
		if errors.Is(rep.Err, ErrCorrupt) || errors.Is(rep.Err, ErrChecksum) {
			return rep, fmt.Errorf("%w: %w", ErrCorrupt, rep.Err)
		}
		return rep, rep.Err
	case rep.MissingSeqs > 0:
		return rep, fmt.Errorf("%w: %s: %d missing sequence numbers, first %d", ErrCorrupt, path, rep.MissingSeqs, rep.FirstGap)
	default:
		return rep, fmt.Errorf("%w: %s: %d records out of order", ErrCorrupt, path, rep.OutOfOrder)
	}
}

// RecoveryPoint returns the sequence range of the readable records in the
// log at path. A torn tail is tolerated; any other damage is returned.
func RecoveryPoint(path string, optFns ...func(o *RecoverOptions)) (minSeq, maxSeq uint64, err error) {
	it, err := Recover(path, optFns...)
	if err != nil {
		return 0, 0, err
	}
	defer it.Close()

	for rec, recErr := range it.All() {
		if recErr != nil {
			if errors.Is(recErr, ErrTornWrite) {
				break
			}
			return minSeq, maxSeq, recErr
		}
		if minSeq == 0 {
			minSeq = rec.Seq
		}
		maxSeq = rec.Seq
	}
	return minSeq, maxSeq, nil
}

// LatestCheckpoint returns the highest sequence covered by a checkpoint
// record in the log at path, or zero when there is none.
func LatestCheckpoint(path string, optFns ...func(o *RecoverOptions)) (uint64, error) {
	it, err := Recover(path, optFns...)
	if err != nil {
		return 0, err
	}
	defer it.Close()

	var upTo uint64
	for rec, recErr := range it.All() {
		if recErr != nil {
			if errors.Is(recErr, ErrTornWrite) {
				break
			}
			return upTo, recErr
		}
		if seq, ok := CheckpointSeq(rec); ok {
			upTo = max(upTo, seq)
		}
	}
	return upTo, nil
}
