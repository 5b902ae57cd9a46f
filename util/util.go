package util

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"regexp"
	"runtime"

	"github.com/tendermint/tendermint/libs/log"
)

// MaxFingerprintBytes : capacity of a standard OP_RETURN payload
const MaxFingerprintBytes = 80

// ErrInvalidFingerprint : fingerprint failed hex decode or the decoded length is outside [1,80] bytes
var ErrInvalidFingerprint = errors.New("invalid fingerprint: must be hex encoding of 1 to 80 bytes")

// LogError : Log error if it exists
func LogError(err error) error {
	if err != nil {
		fmt.Println(err)
	}
	return err
}

// LoggerError : Log error if it exists using a logger
func LoggerError(logger log.Logger, err error) error {
	if err != nil {
		logger.Error(fmt.Sprintf("Error in %s: %s", GetCurrentFuncName(2), err.Error()))
	}
	return err
}

// GetCurrentFuncName : get name of function lying n frames up the stack
func GetCurrentFuncName(n int) string {
	p, _, _, _ := runtime.Caller(n)
	return fmt.Sprintf("%s", runtime.FuncForPC(p).Name())
}

// GetEnv : Get an env var but with a default. Untyped, defaults to string.
func GetEnv(key string, def string) string {
	value := os.Getenv(key)
	if len(value) == 0 {
		return def
	}
	return value
}

// DecodeFingerprint : validate and decode a client-submitted hex fingerprint.
// The decoded payload must fit a single OP_RETURN output.
func DecodeFingerprint(fingerprintHex string) ([]byte, error) {
	fp, err := hex.DecodeString(fingerprintHex)
	if err != nil {
		return nil, ErrInvalidFingerprint
	}
	if len(fp) < 1 || len(fp) > MaxFingerprintBytes {
		return nil, ErrInvalidFingerprint
	}
	return fp, nil
}

var txidRegex = regexp.MustCompile(`^[a-fA-F0-9]{64}$`)

// IsTxID : true if the string looks like a transaction id
func IsTxID(s string) bool {
	return txidRegex.MatchString(s)
}

// GetClientIP : gets the client IP of a requester from the request headers
func GetClientIP(r *http.Request) string {
	forwarded := r.Header.Get("X-FORWARDED-FOR")
	if forwarded != "" {
		return forwarded
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// ArrayContains : whether an array contains a value
func ArrayContains(arr []string, value string) bool {
	for _, item := range arr {
		if item == value {
			return true
		}
	}
	return false
}
