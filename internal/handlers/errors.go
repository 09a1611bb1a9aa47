package handlers

import (
	"errors"
	"net/http"

	"github.com/fitstack/fitstack-billing/internal/adapters/providerhttp"
	"github.com/fitstack/fitstack-billing/internal/core/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Success  bool              `json:"success"`
	Error    string            `json:"error"`
	Code     string            `json:"code"`
	Messages map[string]string `json:"messages,omitempty"`
}

type errorKind struct {
	target error
	status int
	code   string
}

// Ordered; the first match wins.
var errorKinds = []errorKind{
	{domain.ErrInvalidRequest, http.StatusBadRequest, "VALIDATION_ERROR"},
	{domain.ErrCurrencyMismatch, http.StatusBadRequest, "CURRENCY_MISMATCH"},
	{domain.ErrUnsupportedProvider, http.StatusBadRequest, "UNSUPPORTED_PROVIDER"},
	{domain.ErrSignatureVerification, http.StatusUnauthorized, "INVALID_SIGNATURE"},
	{domain.ErrInvoiceNotFound, http.StatusNotFound, "INVOICE_NOT_FOUND"},
	{domain.ErrUnknownTransaction, http.StatusNotFound, "PAYMENT_NOT_FOUND"},
	{domain.ErrMemberNotFound, http.StatusNotFound, "MEMBER_NOT_FOUND"},
	{domain.ErrOTPUnknown, http.StatusNotFound, "OTP_UNKNOWN"},
	{domain.ErrOTPExpired, http.StatusGone, "OTP_EXPIRED"},
	{domain.ErrOTPChallengeActive, http.StatusConflict, "OTP_ACTIVE"},
	{domain.ErrBillAlreadyPaid, http.StatusConflict, "BILL_ALREADY_PAID"},
	{domain.ErrOrderNotAuthorized, http.StatusConflict, "ORDER_NOT_AUTHORIZED"},
	{domain.ErrDuplicateTransaction, http.StatusConflict, "DUPLICATE_TRANSACTION"},
	{domain.ErrInvalidState, http.StatusConflict, "INVALID_STATE"},
	{domain.ErrOverpayment, http.StatusUnprocessableEntity, "OVERPAYMENT"},
	{domain.ErrAmountMismatch, http.StatusUnprocessableEntity, "AMOUNT_MISMATCH"},
	{domain.ErrProviderRejected, http.StatusPaymentRequired, "PAYMENT_DECLINED"},
	{domain.ErrProviderUnavailable, http.StatusServiceUnavailable, "PROVIDER_UNAVAILABLE"},
}

// genericMessages are shown to members when the provider gave no reason.
var genericMessages = map[string]map[string]string{
	"VALIDATION_ERROR": {
		"en": "The request is not valid.",
		"ar": "الطلب غير صالح.",
	},
	"CURRENCY_MISMATCH": {
		"en": "The payment currency does not match the invoice.",
		"ar": "عملة الدفع لا تطابق عملة الفاتورة.",
	},
	"UNSUPPORTED_PROVIDER": {
		"en": "This payment method is not available.",
		"ar": "طريقة الدفع هذه غير متاحة.",
	},
	"INVALID_SIGNATURE": {
		"en": "The request could not be authenticated.",
		"ar": "تعذر التحقق من الطلب.",
	},
	"INVOICE_NOT_FOUND": {
		"en": "Invoice not found.",
		"ar": "الفاتورة غير موجودة.",
	},
	"PAYMENT_NOT_FOUND": {
		"en": "Payment not found.",
		"ar": "عملية الدفع غير موجودة.",
	},
	"MEMBER_NOT_FOUND": {
		"en": "Member not found.",
		"ar": "العضو غير موجود.",
	},
	"OTP_UNKNOWN": {
		"en": "There is no pending verification code for this invoice.",
		"ar": "لا يوجد رمز تحقق معلق لهذه الفاتورة.",
	},
	"OTP_EXPIRED": {
		"en": "The verification code has expired. Please start the payment again.",
		"ar": "انتهت صلاحية رمز التحقق. يرجى بدء عملية الدفع من جديد.",
	},
	"OTP_ACTIVE": {
		"en": "A verification code was already sent for this invoice.",
		"ar": "تم إرسال رمز تحقق لهذه الفاتورة بالفعل.",
	},
	"BILL_ALREADY_PAID": {
		"en": "This bill has already been paid.",
		"ar": "تم دفع هذه الفاتورة بالفعل.",
	},
	"ORDER_NOT_AUTHORIZED": {
		"en": "The installment plan has not been approved yet.",
		"ar": "لم تتم الموافقة على خطة التقسيط بعد.",
	},
	"DUPLICATE_TRANSACTION": {
		"en": "This payment was already processed.",
		"ar": "تمت معالجة هذه الدفعة بالفعل.",
	},
	"INVALID_STATE": {
		"en": "The invoice cannot be changed in its current state.",
		"ar": "لا يمكن تعديل الفاتورة في حالتها الحالية.",
	},
	"OVERPAYMENT": {
		"en": "The payment exceeds the amount due and is under review.",
		"ar": "المبلغ المدفوع يتجاوز المبلغ المستحق وهو قيد المراجعة.",
	},
	"AMOUNT_MISMATCH": {
		"en": "The paid amount does not match and is under review.",
		"ar": "المبلغ المدفوع غير مطابق وهو قيد المراجعة.",
	},
	"PAYMENT_DECLINED": {
		"en": "The payment was declined.",
		"ar": "تم رفض عملية الدفع.",
	},
	"PROVIDER_UNAVAILABLE": {
		"en": "The payment provider is not responding. Please try again shortly.",
		"ar": "مزود الدفع لا يستجيب. يرجى المحاولة بعد قليل.",
	},
	"INTERNAL_ERROR": {
		"en": "Something went wrong. Please try again.",
		"ar": "حدث خطأ ما. يرجى المحاولة مرة أخرى.",
	},
}

// errorMapper turns service errors into HTTP responses.
type errorMapper struct {
	locales []string
	logger  *zap.Logger
}

func newErrorMapper(locales []string, logger *zap.Logger) errorMapper {
	if len(locales) == 0 {
		locales = []string{"en", "ar"}
	}
	return errorMapper{locales: locales, logger: logger}
}

// classify returns the HTTP status and code for err.
func classify(err error) (int, string) {
	for _, k := range errorKinds {
		if errors.Is(err, k.target) {
			return k.status, k.code
		}
	}
	var svcErr *domain.ServiceError
	if errors.As(err, &svcErr) && svcErr.Code != "" {
		return http.StatusInternalServerError, svcErr.Code
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR"
}

// providerReason is the provider's own explanation, when it gave one.
func providerReason(err error) string {
	var apiErr *providerhttp.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" && !errors.Is(err, domain.ErrProviderUnavailable) {
		return apiErr.Message
	}
	return ""
}

// handleServiceError writes the error response for err.
func (m errorMapper) handleServiceError(c *gin.Context, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		m.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.String("request_id", c.GetString("request_id")),
			zap.Error(err),
		)
	}

	resp := ErrorResponse{Success: false, Code: code}
	generic, ok := genericMessages[code]
	if !ok {
		generic = genericMessages["INTERNAL_ERROR"]
	}
	if reason := providerReason(err); reason != "" {
		resp.Error = reason
	} else {
		resp.Error = generic[m.locales[0]]
		resp.Messages = make(map[string]string, len(m.locales))
		for _, l := range m.locales {
			if msg, ok := generic[l]; ok {
				resp.Messages[l] = msg
			}
		}
	}
	if resp.Error == "" {
		resp.Error = generic["en"]
	}
	c.JSON(status, resp)
}

// badRequest reports a binding failure.
func (m errorMapper) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Success: false,
		Error:   "Invalid request: " + err.Error(),
		Code:    "VALIDATION_ERROR",
	})
}
