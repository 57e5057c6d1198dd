package handler

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/sharpie7/tinyusb/dma"
	"github.com/sharpie7/tinyusb/hcd"
	apierror "github.com/sharpie7/tinyusb/internal/server/api/error"
)

// controllerError maps scheduler errors onto problem responses.
func controllerError(err error) error {
	var te *hcd.TransferError
	switch {
	case errors.As(err, &te):
		return apierror.ErrBadGateway(err.Error())
	case errors.Is(err, hcd.ErrHardwareTimeout):
		return apierror.ErrUnavailable(err.Error())
	case errors.Is(err, hcd.ErrInvalidPipe), errors.Is(err, hcd.ErrInvalidAddress):
		return apierror.ErrNotFound(err.Error())
	case errors.Is(err, hcd.ErrPipeBusy), errors.Is(err, hcd.ErrNoFreeSlot),
		errors.Is(err, hcd.ErrPipeClosed), errors.Is(err, dma.ErrExhausted):
		return apierror.ErrConflict(err.Error())
	case errors.Is(err, hcd.ErrUnsupportedTransferType), errors.Is(err, hcd.ErrBufferTooSmall),
		errors.Is(err, hcd.ErrInvalidMaxPacketSize):
		return apierror.ErrBadRequest(err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return apierror.ErrTimeout(err.Error())
	}
	return apierror.ErrInternal(err.Error())
}

func parseAddr(params map[string]string) (uint8, error) {
	s, ok := params["addr"]
	if !ok {
		return 0, apierror.ErrBadRequest("missing addr parameter")
	}
	a, err := strconv.ParseUint(s, 10, 7)
	if err != nil {
		return 0, apierror.ErrBadRequest(fmt.Sprintf("invalid device address: %v", err))
	}
	return uint8(a), nil
}

func hex32(v uint32) string { return fmt.Sprintf("0x%08x", v) }
