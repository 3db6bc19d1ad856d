package service

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"marketplace-service/internal/apperr"
	"marketplace-service/internal/models"

	"github.com/go-playground/validator/v10"
)

// CreateOrderRequest represents a checkout. UserID is filled from the
// resolved caller identity, never from the request body
type CreateOrderRequest struct {
	UserID          string                 `json:"user_id" validate:"required"`
	Lines           []OrderLineRequest     `json:"lines" validate:"required,min=1,max=50,dive"`
	ShippingAddress models.ShippingAddress `json:"shipping_address"`
	PaymentMethod   string                 `json:"payment_method" validate:"required,oneof=COD CARD UPI NETBANKING WALLET"`
	IdempotencyKey  string                 `json:"idempotency_key,omitempty" validate:"omitempty,max=128"`
}

// OrderLineRequest names one unit of one option
type OrderLineRequest struct {
	ProductID string `json:"product_id" validate:"required"`
	VarietyID string `json:"variety_id" validate:"required"`
	OptionID  string `json:"option_id" validate:"required"`
}

type orderInput struct {
	ActorID string `json:"actor_id" validate:"required"`
	OrderID string `json:"order_id" validate:"required"`
}

type cancelInput struct {
	ActorID string `json:"actor_id" validate:"required"`
	OrderID string `json:"order_id" validate:"required"`
	ItemID  string `json:"item_id" validate:"required"`
	Reason  string `json:"reason" validate:"max=500"`
}

type reasonInput struct {
	ActorID string `json:"actor_id" validate:"required"`
	OrderID string `json:"order_id" validate:"required"`
	ItemID  string `json:"item_id" validate:"required"`
	Reason  string `json:"reason" validate:"required,max=500"`
}

type ratingInput struct {
	ActorID string `json:"actor_id" validate:"required"`
	OrderID string `json:"order_id" validate:"required"`
	ItemID  string `json:"item_id" validate:"required"`
	Rating  int    `json:"rating" validate:"min=1,max=5"`
}

type statusInput struct {
	ActorID string `json:"actor_id" validate:"required"`
	OrderID string `json:"order_id" validate:"required"`
	ItemID  string `json:"item_id" validate:"required"`
	Status  string `json:"status" validate:"required,oneof=Placed Shipped Delivered Cancelled"`
}

type refundReviewInput struct {
	ActorID         string `json:"actor_id" validate:"required"`
	OrderID         string `json:"order_id" validate:"required"`
	ItemID          string `json:"item_id" validate:"required"`
	Approve         bool   `json:"approve"`
	RejectionReason string `json:"rejection_reason" validate:"required_if=Approve false,max=500"`
}

type ownerInput struct {
	ActorID string `json:"actor_id" validate:"required"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// validateStruct checks s and reports every violation in one ValidationError
func validateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Validation([]string{err.Error()})
	}

	violations := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		violations = append(violations, describe(fe))
	}
	return apperr.Validation(violations)
}

func describe(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}

	isList := fe.Kind() == reflect.Slice

	switch fe.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s is required", field)
	case "min":
		if isList {
			return fmt.Sprintf("%s must contain at least %s entries", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		if isList {
			return fmt.Sprintf("%s must contain at most %s entries", field, fe.Param())
		}
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must not be negative", field)
	case "ltefield":
		return fmt.Sprintf("%s must not exceed %s", field, strings.ToLower(fe.Param()))
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s check", field, fe.Tag())
	}
}

// validateProduct checks catalog invariants before a write
func validateProduct(p *models.Product) error {
	var violations []string
	if err := validateStruct(p); err != nil {
		var ae *apperr.Error
		if errors.As(err, &ae) {
			violations = append(violations, ae.Violations...)
		}
	}

	seenVariety := make(map[string]bool)
	for _, v := range p.Varieties {
		if seenVariety[v.ID] {
			violations = append(violations, fmt.Sprintf("variety %s is duplicated", v.ID))
		}
		seenVariety[v.ID] = true

		seenOption := make(map[string]bool)
		for _, o := range v.Options {
			if seenOption[o.ID] {
				violations = append(violations, fmt.Sprintf("option %s in variety %s is duplicated", o.ID, v.ID))
			}
			seenOption[o.ID] = true
		}
	}

	if len(violations) > 0 {
		return apperr.Validation(violations)
	}
	return nil
}
