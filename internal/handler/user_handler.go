package handler

import (
	"errors"
	"gamehub-go/internal/service"
	"gamehub-go/pkg/log"
	"gamehub-go/pkg/token"
	"net/http"

	"github.com/gin-gonic/gin"
)

// UserHandler 负责处理所有与普通用户相关的 API 请求。
type UserHandler struct {
	userService   service.UserService
	creditService service.CreditService
}

// NewUserHandler 创建一个新的 UserHandler 实例。creditService 可以为 nil。
func NewUserHandler(userService service.UserService, creditService service.CreditService) *UserHandler {
	return &UserHandler{userService: userService, creditService: creditService}
}

// RegisterRequest 定义了用户注册 API 的请求体结构。
type RegisterRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required,min=6"`
}

// Register 处理用户注册请求。
func (h *UserHandler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("Register: Invalid request payload, error: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求负载：用户名不能为空，密码至少 6 位", "data": nil})
		return
	}

	user, err := h.userService.Register(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrUsernameTaken) {
			log.Warnf("Register: username '%s' already taken", req.Username)
			c.JSON(http.StatusConflict, gin.H{"code": http.StatusConflict, "message": err.Error(), "data": nil})
			return
		}
		fail(c, "Register", err)
		return
	}

	log.Infof("User '%s' registered successfully", user.Username)
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "User registered successfully", "data": user})
}

// LoginRequest 定义了用户登录 API 的请求体结构。
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login 处理用户登录请求。
func (h *UserHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("Login: Invalid request payload, error: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求负载：用户名和密码不能为空", "data": nil})
		return
	}

	accessToken, refreshToken, err := h.userService.Login(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			log.Warnf("Login: authentication failed for '%s'", req.Username)
			c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效的凭证", "data": nil})
			return
		}
		fail(c, "Login", err)
		return
	}

	log.Infof("User '%s' logged in successfully", req.Username)
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "Login successful",
		"data": gin.H{
			"token":        accessToken,
			"refreshToken": refreshToken,
		},
	})
}

// GetProfile 获取当前登录用户的个人信息以及本期剩余额度。
func (h *UserHandler) GetProfile(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}

	data := gin.H{"user": user}
	if h.creditService != nil {
		balance, err := h.creditService.Balance(c.Request.Context(), user.ID)
		if err != nil {
			// 额度查询失败不影响个人信息
			log.Warnf("GetProfile: failed to load credits for user %d: %v", user.ID, err)
		} else {
			data["credits"] = balance
		}
	}
	success(c, data)
}

// Logout 处理用户登出逻辑，当前 access token 会被加入黑名单。
func (h *UserHandler) Logout(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}

	if err := h.userService.Logout(c.Request.Context(), c.GetString("token")); err != nil {
		log.Error("Logout: Failed to logout", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "登出失败", "data": nil})
		return
	}

	log.Infof("User '%s' logged out successfully", user.Username)
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "登出成功", "data": nil})
}

// ChatToken 签发建立 WebSocket 聊天连接用的短期 token。
func (h *UserHandler) ChatToken(c *gin.Context) {
	claimsValue, ok := c.Get("claims")
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "未认证用户", "data": nil})
		return
	}
	claims := claimsValue.(*token.CustomClaims)

	chatToken, err := h.userService.IssueChatToken(claims)
	if err != nil {
		fail(c, "ChatToken", err)
		return
	}
	success(c, gin.H{"chatToken": chatToken})
}
