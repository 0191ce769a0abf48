package subqueue

import (
	"encoding/binary"
	"errors"
	"os"
	"strconv"
	"time"
)

var errInvalidPackedData = errors.New("invalid packed data")

type packArgs struct {
	data           []byte
	minTargetBlock uint64
	maxTargetBlock uint64
	highPriority   bool
	timestamp      time.Time
	iteration      uint16
}

// packData returns the score and the packed value stored in redis. The
// score is the minTargetBlock; the value layout is
// highPriority(1):iteration(2):timestamp(8):maxblock(8):data, so that
// redis orders same-score members the way the queue wants: high priority
// first, fewer retries first, older first.
func packData(a packArgs) (float64, []byte) {
	score := float64(a.minTargetBlock)
	value := make([]byte, 19+len(a.data))
	if a.highPriority {
		value[0] = 0
	} else {
		value[0] = 1
	}
	binary.BigEndian.PutUint16(value[1:3], a.iteration)
	binary.BigEndian.PutUint64(value[3:11], uint64(a.timestamp.UnixNano()))
	binary.BigEndian.PutUint64(value[11:19], a.maxTargetBlock)
	copy(value[19:], a.data)
	return score, value
}

// unpackData is the inverse of packData.
func unpackData(score float64, packedData []byte) (packArgs, error) {
	if len(packedData) < 19 {
		return packArgs{}, errInvalidPackedData
	}
	return packArgs{
		data:           packedData[19:],
		minTargetBlock: uint64(score),
		maxTargetBlock: binary.BigEndian.Uint64(packedData[11:19]),
		highPriority:   packedData[0] == 0,
		timestamp:      time.Unix(0, int64(binary.BigEndian.Uint64(packedData[3:11]))),
		iteration:      binary.BigEndian.Uint16(packedData[1:3]),
	}, nil
}

// ConfigFromEnv loads queue config from environment.
// - `SUBQUEUE_MAX_RETRIES`
// - `SUBQUEUE_MAX_QUEUED_ITEMS_LOW_PRIO`
// - `SUBQUEUE_MAX_QUEUED_ITEMS_HIGH_PRIO`
// - `SUBQUEUE_WORKER_TIMEOUT_MS`
func ConfigFromEnv() (RedisQueueConfig, error) {
	config := DefaultQueueConfig

	if val := os.Getenv("SUBQUEUE_MAX_RETRIES"); val != "" {
		maxRetries, err := strconv.ParseUint(val, 10, 16)
		if err != nil {
			return config, err
		}
		config.MaxRetries = uint16(maxRetries)
	}
	if val := os.Getenv("SUBQUEUE_MAX_QUEUED_ITEMS_LOW_PRIO"); val != "" {
		maxQueued, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return config, err
		}
		config.MaxQueuedItemsLowPrio = maxQueued
	}
	if val := os.Getenv("SUBQUEUE_MAX_QUEUED_ITEMS_HIGH_PRIO"); val != "" {
		maxQueued, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return config, err
		}
		config.MaxQueuedItemsHighPrio = maxQueued
	}
	if val := os.Getenv("SUBQUEUE_WORKER_TIMEOUT_MS"); val != "" {
		workerTimeoutMs, err := strconv.Atoi(val)
		if err != nil {
			return config, err
		}
		config.WorkerTimeout = time.Duration(workerTimeoutMs) * time.Millisecond
	}

	return config, nil
}
