package handler

import (
	"gamehub-go/internal/service"

	"github.com/gin-gonic/gin"
)

// CreditHandler 返回用户本期的额度。
type CreditHandler struct {
	creditService service.CreditService
}

// NewCreditHandler 创建一个新的 CreditHandler。
func NewCreditHandler(creditService service.CreditService) *CreditHandler {
	return &CreditHandler{creditService: creditService}
}

// Balance 返回当前用户的等级、剩余额度和重置时间。
func (h *CreditHandler) Balance(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}
	balance, err := h.creditService.Balance(c.Request.Context(), user.ID)
	if err != nil {
		fail(c, "Balance", err)
		return
	}
	success(c, balance)
}
