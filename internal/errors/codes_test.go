package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncError_MessageAndCause(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := InternalError("write failed", cause)

	assert.Equal(t, "write failed: disk full", err.Error())
	assert.True(t, stderrors.Is(err, cause))

	bare := Validation("bad name", nil)
	assert.Equal(t, "bad name", bare.Error())
	assert.Nil(t, stderrors.Unwrap(bare))
}

func TestSyncError_Details(t *testing.T) {
	err := Conflict("records", 5, 6, 2)

	assert.Equal(t, "records", err.Details["key"])
	assert.Equal(t, int64(5), err.Details["expected_version"])
	assert.Equal(t, int64(6), err.Details["actual_version"])
	assert.Equal(t, 2, err.Details["attempts"])

	err.WithDetail("extra", true)
	assert.Equal(t, true, err.Details["extra"])
}

func TestCodeHelpers(t *testing.T) {
	assert.True(t, HasCode(LockTimeout("records", "update", time.Second), ErrCodeLockTimeout))
	assert.True(t, HasCode(StorageQuotaExceeded(10, 5), ErrCodeStorageQuota))
	assert.True(t, HasCode(BackupNotFound("records", 3), ErrCodeBackupNotFound))
	assert.True(t, HasCode(WriteVerificationFailed("records", 2, 1), ErrCodeWriteVerification))
	assert.False(t, HasCode(KeyNotFound("records"), ErrCodeConflict))

	// Plain errors fall back to the internal code.
	assert.Equal(t, ErrCodeInternal, GetCode(fmt.Errorf("plain")))
	assert.False(t, IsSyncError(fmt.Errorf("plain")))
	assert.True(t, IsSyncError(ShuttingDown("sync")))
}

func TestConstructorsCarryReadableMessages(t *testing.T) {
	err := RequestTimeout("req-1", 30*time.Second)
	require.Contains(t, err.Error(), "req-1")
	require.Contains(t, err.Error(), "30s")

	err = LockTimeout("records", "rollback", 250*time.Millisecond)
	assert.Contains(t, err.Error(), `"records"`)
}
