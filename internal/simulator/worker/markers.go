package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
)

const (
	ExceptionSuffix   = ".exception"
	SendFailureSuffix = ".sendFailure"
	OOMESuffix        = ".oome"
	HeapDumpPattern   = "*.hprof"
	MemberAddressFile = "member.address"
	// Test id written to exception files of failures that don't belong to a test.
	NoTestID = "null"
)

var exceptionCounter int64

// WriteExceptionFile reports a failure to the supervising agent. The first line of the file is the
// test id, the rest is the cause. The file appears atomically under its final name.
func WriteExceptionFile(home, testID, cause string) (string, error) {
	if testID == "" {
		testID = NoTestID
	}
	name := fmt.Sprintf("%d-%s%s", atomic.AddInt64(&exceptionCounter, 1), sanitize(testID), ExceptionSuffix)
	tmp := filepath.Join(home, name+".tmp")
	if err := os.WriteFile(tmp, []byte(testID+"\n"+cause), 0o644); err != nil {
		return "", errors.WithStack(err)
	}
	path := filepath.Join(home, name)
	if err := os.Rename(tmp, path); err != nil {
		return "", errors.WithStack(err)
	}
	return path, nil
}

// ParseExceptionFile splits the content of an exception file into test id and cause.
// A missing, empty or "null" test id results in an empty test id.
func ParseExceptionFile(content string) (testID, cause string) {
	firstLine, rest, found := strings.Cut(content, "\n")
	if !found {
		rest = ""
	}
	testID = strings.TrimSpace(firstLine)
	if testID == NoTestID {
		testID = ""
	}
	return testID, rest
}

// WriteOOMEMarker creates the marker the agent treats as an out of memory error of the worker.
func WriteOOMEMarker(home, workerID string) error {
	return errors.WithStack(os.WriteFile(filepath.Join(home, workerID+OOMESuffix), nil, 0o644))
}

func WriteMemberAddress(home, memberAddress string) error {
	return errors.WithStack(os.WriteFile(filepath.Join(home, MemberAddressFile), []byte(memberAddress), 0o644))
}

// ReadMemberAddress returns the member address the worker reported, or an empty string.
func ReadMemberAddress(home string) string {
	content, err := os.ReadFile(filepath.Join(home, MemberAddressFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(content))
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == os.PathSeparator {
			return '_'
		}
		return r
	}, s)
}
