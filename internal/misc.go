package internal

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// TranslateContextError converts the given error to a gRPC status error if it
// is a context error. If it is context.DeadlineExceeded, it is converted to an
// error with a status code of DeadlineExceeded. If it is context.Canceled, it
// is converted to an error with a status code of Canceled. If it is not a
// context error, it is returned without any conversion.
func TranslateContextError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}
	return err
}

// StatusFromError returns the status that should be reported to the client
// for the given handler error. A nil error is OK. Errors that do not carry a
// status are reported as Unknown with the error text as message.
func StatusFromError(err error) *status.Status {
	if err == nil {
		return status.New(codes.OK, "")
	}
	if _, ok := status.FromError(err); !ok {
		err = TranslateContextError(err)
	}
	st, _ := status.FromError(err)
	if st.Code() == codes.OK {
		// preserve all error details, but rewrite the code since we don't want
		// to send back a non-error status when we know an error occured
		stpb := st.Proto()
		stpb.Code = int32(codes.Internal)
		st = status.FromProto(stpb)
	}
	return st
}

// SplitMethodName splits a path of the form "/service/method" into its two
// parts. It returns false if the path does not have that shape.
func SplitMethodName(fullMethod string) (service, method string, ok bool) {
	if !strings.HasPrefix(fullMethod, "/") {
		return "", "", false
	}
	pos := strings.LastIndex(fullMethod, "/")
	if pos <= 1 || pos == len(fullMethod)-1 {
		return "", "", false
	}
	return fullMethod[1:pos], fullMethod[pos+1:], true
}
