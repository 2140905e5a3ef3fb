package iiod

import (
	"errors"
	"testing"

	"golang.org/x/sys/unix"
)

func TestStructuredError(t *testing.T) {
	err := NewInvalidArg("CREATE_BUFFER", "mask length wrong")

	if err.Op != "CREATE_BUFFER" {
		t.Errorf("Expected Op=CREATE_BUFFER, got %s", err.Op)
	}
	if err.Code != CodeInvalidArg {
		t.Errorf("Expected Code=CodeInvalidArg, got %s", err.Code)
	}

	expected := "iiod: mask length wrong (op=CREATE_BUFFER)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestErrorWireCode(t *testing.T) {
	err := NewBusy("CREATE_BUFFER", "cyclic buffer already exists")
	if err.WireCode() != -int32(unix.EBUSY) {
		t.Errorf("Expected wire code -EBUSY, got %d", err.WireCode())
	}
}

func TestErrorWithContext(t *testing.T) {
	err := NewNotFound("READ_ATTR", "unknown attribute").WithContext(7, 12, 0)

	if err.SessionID != 7 {
		t.Errorf("Expected SessionID=7, got %d", err.SessionID)
	}
	if err.ClientID != 12 {
		t.Errorf("Expected ClientID=12, got %d", err.ClientID)
	}
}

func TestWrapKernelError(t *testing.T) {
	err := WrapKernelError("TRANSFER_BLOCK", unix.ENOENT)

	if err.Code != CodeKernelIO {
		t.Errorf("Expected Code=CodeKernelIO, got %s", err.Code)
	}
	if err.Errno != unix.ENOENT {
		t.Errorf("Expected Errno=ENOENT, got %v", err.Errno)
	}
	if !errors.Is(err, unix.ENOENT) {
		t.Error("Expected wrapped error to satisfy errors.Is for ENOENT")
	}
}

func TestWrapKernelErrorPassesThroughStructuredError(t *testing.T) {
	inner := NewTimeout("READ_EVENT", "kernel deadline exceeded")
	var wrapped error = WrapKernelError("READ_EVENT", inner)

	if wrapped != error(inner) {
		t.Error("Expected WrapKernelError to pass through an already-structured *Error unchanged")
	}
}

func TestWrapKernelErrorNil(t *testing.T) {
	if WrapKernelError("TRANSFER_BLOCK", nil) != nil {
		t.Error("Expected WrapKernelError(nil) to return nil")
	}
}

func TestIsCode(t *testing.T) {
	err := NewInvalidArg("TEST", "operation timed out")
	if !IsCode(err, CodeInvalidArg) {
		t.Error("Expected IsCode to match CodeInvalidArg")
	}
	if IsCode(err, CodeBusy) {
		t.Error("Expected IsCode to not match CodeBusy")
	}
	if IsCode(nil, CodeInvalidArg) {
		t.Error("Expected IsCode(nil, ...) to return false")
	}
}

func TestIsErrno(t *testing.T) {
	err := WrapKernelError("TEST", unix.EIO)
	if !IsErrno(err, unix.EIO) {
		t.Error("IsErrno should return true for matching errno")
	}
	if IsErrno(err, unix.EPERM) {
		t.Error("IsErrno should return false for non-matching errno")
	}
	if IsErrno(nil, unix.EIO) {
		t.Error("IsErrno should return false for nil error")
	}
}

func TestErrorIs(t *testing.T) {
	err := NewBusy("CREATE_BUFFER", "busy")
	target := &Error{Code: CodeBusy}

	if !errors.Is(err, target) {
		t.Error("Expected errors.Is to match on Code alone")
	}
}

func TestErrnoMapping(t *testing.T) {
	testCases := []struct {
		code     Code
		expected unix.Errno
	}{
		{CodeInvalidArg, unix.EINVAL},
		{CodeNotFound, unix.ENOENT},
		{CodeBusy, unix.EBUSY},
		{CodeNoMemory, unix.ENOMEM},
		{CodeTimeout, unix.ETIMEDOUT},
		{CodeKernelIO, unix.EIO},
	}

	for _, tc := range testCases {
		got := codeToErrno(tc.code)
		if got != tc.expected {
			t.Errorf("codeToErrno(%s) = %v, want %v", tc.code, got, tc.expected)
		}
	}
}
