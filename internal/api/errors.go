package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/renpool/internal/darknode"
	"github.com/irfndi/renpool/internal/factory"
	"github.com/irfndi/renpool/internal/pool"
	"github.com/irfndi/renpool/internal/service"
	"github.com/sirupsen/logrus"
)

type errorMapping struct {
	target error
	status int
	code   string
}

// checked in order; wrapped errors match their outermost kind first
var errorMappings = []errorMapping{
	{factory.ErrPoolNotFound, http.StatusNotFound, "POOL_NOT_FOUND"},
	{pool.ErrUnauthorized, http.StatusForbidden, "UNAUTHORIZED"},
	{pool.ErrDeregistrationPending, http.StatusConflict, "DEREGISTRATION_PENDING"},
	{pool.ErrInvalidState, http.StatusConflict, "INVALID_STATE"},
	{pool.ErrInsufficientBond, http.StatusConflict, "INSUFFICIENT_BOND"},
	{pool.ErrReentrantCall, http.StatusConflict, "REENTRANT_CALL"},
	{pool.ErrInvalidAmount, http.StatusBadRequest, "INVALID_AMOUNT"},
	{pool.ErrInvalidAddress, http.StatusBadRequest, "INVALID_ADDRESS"},
	{pool.ErrInsufficientBalance, http.StatusBadRequest, "INSUFFICIENT_BALANCE"},
	{pool.ErrNothingToClaim, http.StatusUnprocessableEntity, "NOTHING_TO_CLAIM"},
	{pool.ErrTransferFailed, http.StatusBadGateway, "TRANSFER_FAILED"},
	{pool.ErrOverflow, http.StatusInternalServerError, "OVERFLOW"},
	{darknode.ErrNotRegistered, http.StatusConflict, "NODE_NOT_REGISTERED"},
	{darknode.ErrAlreadyRegistered, http.StatusConflict, "NODE_ALREADY_REGISTERED"},
	{darknode.ErrBondTooLow, http.StatusConflict, "BOND_BELOW_REGISTRY_MINIMUM"},
	{service.ErrNotJournaled, http.StatusNotFound, "POOL_NOT_JOURNALED"},
	{service.ErrJournalUnavailable, http.StatusServiceUnavailable, "JOURNAL_UNAVAILABLE"},
}

// statusFor maps an error to its HTTP status and error code
func statusFor(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR"
}

func respondError(c *gin.Context, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		logrus.WithError(err).WithFields(logrus.Fields{
			"path": c.FullPath(),
			"code": code,
		}).Error("Request failed")
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": code})
}

func badRequest(c *gin.Context, code, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": message, "code": code})
}
