package errors

import (
	"errors"
	"fmt"
	"strconv"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for runtime operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeInvalidArgument  ErrorCode = 1000
	ErrCodeEntityNotFound   ErrorCode = 1001
	ErrCodeEntityTombstoned ErrorCode = 1002
	ErrCodeAlreadyExists    ErrorCode = 1003
	ErrCodeHandlerNotFound  ErrorCode = 1004
	ErrCodeSchemaViolation  ErrorCode = 1005
	ErrCodeVersionConflict  ErrorCode = 1006
	ErrCodeCommandRejected  ErrorCode = 1007

	// Server errors (5xx equivalent)
	ErrCodeInternal        ErrorCode = 2000
	ErrCodeUnavailable     ErrorCode = 2001
	ErrCodeJournalFailed   ErrorCode = 2002
	ErrCodeSnapshotFailed  ErrorCode = 2003
	ErrCodeCorruptedData   ErrorCode = 2004
	ErrCodeHandlerPanicked ErrorCode = 2005
	ErrCodeBackpressure    ErrorCode = 2006
	ErrCodeClosed          ErrorCode = 2007

	// Routing errors
	ErrCodeUnknownNode      ErrorCode = 3000
	ErrCodeEpochMismatch    ErrorCode = 3001
	ErrCodeNotLeader        ErrorCode = 3002
	ErrCodeQuorumNotReached ErrorCode = 3003
	ErrCodeRoutingInvalid   ErrorCode = 3004
	ErrCodePeerUnreachable  ErrorCode = 3005
)

const errorInfoDomain = "pairdb.runtime"

// StorageError represents a structured error with code and context
type StorageError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts StorageError to gRPC status.
// The original code and details travel as an ErrorInfo so peers can rebuild the error.
func (e *StorageError) ToGRPCStatus() *status.Status {
	st := status.New(e.toGRPCCode(), e.Error())
	meta := make(map[string]string, len(e.Details))
	for k, v := range e.Details {
		meta[k] = fmt.Sprint(v)
	}
	withDetails, err := st.WithDetails(&errdetails.ErrorInfo{
		Reason:   strconv.Itoa(int(e.Code)),
		Domain:   errorInfoDomain,
		Metadata: meta,
	})
	if err != nil {
		return st
	}
	return withDetails
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *StorageError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeSchemaViolation, ErrCodeCommandRejected, ErrCodeRoutingInvalid:
		return codes.InvalidArgument
	case ErrCodeEntityNotFound, ErrCodeEntityTombstoned, ErrCodeHandlerNotFound, ErrCodeUnknownNode:
		return codes.NotFound
	case ErrCodeAlreadyExists:
		return codes.AlreadyExists
	case ErrCodeVersionConflict:
		return codes.Aborted
	case ErrCodeEpochMismatch, ErrCodeNotLeader:
		return codes.FailedPrecondition
	case ErrCodeBackpressure:
		return codes.ResourceExhausted
	case ErrCodeCorruptedData:
		return codes.DataLoss
	case ErrCodeUnavailable, ErrCodePeerUnreachable, ErrCodeQuorumNotReached, ErrCodeClosed:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// FromGRPCError rebuilds a StorageError from an error returned by a gRPC call
func FromGRPCError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != errorInfoDomain {
			continue
		}
		code, convErr := strconv.Atoi(info.GetReason())
		if convErr != nil {
			break
		}
		se := NewStorageError(ErrorCode(code), st.Message(), nil)
		for k, v := range info.GetMetadata() {
			se.Details[k] = v
		}
		return se
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded:
		return PeerUnreachable("", err)
	case codes.NotFound:
		return NewStorageError(ErrCodeEntityNotFound, st.Message(), nil)
	default:
		return NewStorageError(ErrCodeInternal, st.Message(), nil)
	}
}

// NewStorageError creates a new StorageError
func NewStorageError(code ErrorCode, message string, cause error) *StorageError {
	return &StorageError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *StorageError) WithDetail(key string, value interface{}) *StorageError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInvalidArgument, message, cause)
}

func EntityNotFound(entityType, persistID string) *StorageError {
	return NewStorageError(ErrCodeEntityNotFound, fmt.Sprintf("entity not found: %s/%s", entityType, persistID), nil).
		WithDetail("entity_type", entityType).
		WithDetail("persist_id", persistID)
}

func EntityTombstoned(entityType, persistID, reason string) *StorageError {
	return NewStorageError(ErrCodeEntityTombstoned, fmt.Sprintf("entity is tombstoned: %s/%s", entityType, persistID), nil).
		WithDetail("entity_type", entityType).
		WithDetail("persist_id", persistID).
		WithDetail("reason", reason)
}

func AlreadyExists(entityType, persistID string) *StorageError {
	return NewStorageError(ErrCodeAlreadyExists, fmt.Sprintf("entity already exists: %s/%s", entityType, persistID), nil).
		WithDetail("entity_type", entityType).
		WithDetail("persist_id", persistID)
}

func HandlerNotFound(entityType, commandName string) *StorageError {
	return NewStorageError(ErrCodeHandlerNotFound, fmt.Sprintf("no handler for command %s on %s", commandName, entityType), nil).
		WithDetail("entity_type", entityType).
		WithDetail("command_name", commandName)
}

func SchemaViolation(commandName, reason string) *StorageError {
	return NewStorageError(ErrCodeSchemaViolation, fmt.Sprintf("payload for %s violates schema: %s", commandName, reason), nil).
		WithDetail("command_name", commandName).
		WithDetail("reason", reason)
}

func VersionConflict(entityType, persistID string, expected, actual uint64) *StorageError {
	return NewStorageError(ErrCodeVersionConflict, fmt.Sprintf("version conflict on %s/%s: expected %d, actual %d", entityType, persistID, expected, actual), nil).
		WithDetail("entity_type", entityType).
		WithDetail("persist_id", persistID).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func CommandRejected(commandName string, cause error) *StorageError {
	return NewStorageError(ErrCodeCommandRejected, fmt.Sprintf("command %s rejected", commandName), cause).
		WithDetail("command_name", commandName)
}

func HandlerPanicked(commandName string, cause error) *StorageError {
	return NewStorageError(ErrCodeHandlerPanicked, fmt.Sprintf("handler for %s panicked", commandName), cause).
		WithDetail("command_name", commandName)
}

func InternalError(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInternal, message, cause)
}

func Unavailable(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeUnavailable, message, cause)
}

func JournalFailed(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeJournalFailed, message, cause)
}

func SnapshotFailed(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeSnapshotFailed, message, cause)
}

func CorruptedData(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeCorruptedData, message, cause)
}

func Backpressure(limit int64, cause error) *StorageError {
	return NewStorageError(ErrCodeBackpressure, fmt.Sprintf("mutation permits exhausted: %d in use", limit), cause).
		WithDetail("limit", limit)
}

func Closed() *StorageError {
	return NewStorageError(ErrCodeClosed, "runtime is closed", nil)
}

func UnknownNode(nodeID string) *StorageError {
	return NewStorageError(ErrCodeUnknownNode, fmt.Sprintf("node %q is not registered", nodeID), nil).
		WithDetail("node_id", nodeID)
}

func EpochMismatch(shardID uint32, gotLeader string, gotEpoch uint64, wantLeader string, wantEpoch uint64) *StorageError {
	return NewStorageError(ErrCodeEpochMismatch,
		fmt.Sprintf("epoch mismatch on shard %d: request %s@%d, local view %s@%d", shardID, gotLeader, gotEpoch, wantLeader, wantEpoch), nil).
		WithDetail("shard_id", shardID).
		WithDetail("request_leader", gotLeader).
		WithDetail("request_epoch", gotEpoch).
		WithDetail("local_leader", wantLeader).
		WithDetail("local_epoch", wantEpoch)
}

func NotLeader(shardID uint32, nodeID, leaderID string) *StorageError {
	return NewStorageError(ErrCodeNotLeader, fmt.Sprintf("node %s is not leader of shard %d (leader %s)", nodeID, shardID, leaderID), nil).
		WithDetail("shard_id", shardID).
		WithDetail("node_id", nodeID).
		WithDetail("leader_id", leaderID)
}

func QuorumNotReached(shardID uint32, acked, required int, cause error) *StorageError {
	return NewStorageError(ErrCodeQuorumNotReached, fmt.Sprintf("quorum not reached on shard %d: %d/%d", shardID, acked, required), cause).
		WithDetail("shard_id", shardID).
		WithDetail("acked", acked).
		WithDetail("required", required)
}

func RoutingInvalid(message string) *StorageError {
	return NewStorageError(ErrCodeRoutingInvalid, message, nil)
}

func PeerUnreachable(nodeID string, cause error) *StorageError {
	return NewStorageError(ErrCodePeerUnreachable, fmt.Sprintf("peer %s unreachable", nodeID), cause).
		WithDetail("node_id", nodeID)
}

// IsStorageError checks if an error is a StorageError
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code
func HasCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

// IsNotFound reports whether err means the entity is absent (missing or tombstoned)
func IsNotFound(err error) bool {
	code := GetCode(err)
	return err != nil && (code == ErrCodeEntityNotFound || code == ErrCodeEntityTombstoned)
}
