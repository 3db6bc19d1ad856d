package api

import (
	"errors"
	"net/http"

	"marketplace-service/internal/apperr"
	"marketplace-service/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var statusByKind = map[apperr.Kind]int{
	apperr.KindNotFound:              http.StatusNotFound,
	apperr.KindOutOfStock:            http.StatusConflict,
	apperr.KindInvalidTransition:     http.StatusConflict,
	apperr.KindAlreadyRated:          http.StatusConflict,
	apperr.KindConflict:              http.StatusConflict,
	apperr.KindValidation:            http.StatusBadRequest,
	apperr.KindNotAuthorized:         http.StatusForbidden,
	apperr.KindInconsistencyDetected: http.StatusAccepted,
}

func errorBody(err error) gin.H {
	kind := apperr.KindOf(err)
	body := gin.H{"error": string(kind)}

	var ae *apperr.Error
	if !errors.As(err, &ae) || kind == apperr.KindInternal {
		body["details"] = "internal error"
		return body
	}
	body["details"] = ae.Reason
	if len(ae.Violations) > 0 {
		body["violations"] = ae.Violations
	}
	return body
}

// respondError writes err with the status its kind maps to. Unclassified
// errors are logged and hidden behind a 500
func respondError(c *gin.Context, err error) {
	status, ok := statusByKind[apperr.KindOf(err)]
	if !ok {
		status = http.StatusInternalServerError
		util.GetLogger().Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(status, errorBody(err))
}

func respond(c *gin.Context, body interface{}, err error) {
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, body)
}

// bindJSON decodes the body, answering 400 on malformed input
func bindJSON(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		respondError(c, apperr.Validation([]string{"request body is not valid JSON: " + err.Error()}))
		return false
	}
	return true
}
