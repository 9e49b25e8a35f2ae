package auth

import (
	"bytes"
	"html/template"
	"net/http"
	"strconv"
	"strings"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-print"
	"github.com/goliatone/go-router"

	"github.com/goliatone/go-auth-actions/queue"
)

// RegisterActionRoutes mounts the account JSON API on app
func RegisterActionRoutes[T any](app router.Router[T], c *HTTPController) {
	app.Post("/users/sign-up", c.SignUp).SetName("users.sign-up")

	app.Post("/users/confirm", c.RequestConfirm).SetName("users.confirm.request")
	app.Get("/users/confirm/:token", c.Confirm).SetName("users.confirm")

	app.Post("/users/forgot-password", c.ForgotPassword).SetName("users.forgot-password")
	app.Get("/users/reset-password", c.ResetPasswordForm).SetName("users.reset-password.form")
	app.Post("/users/reset-password", c.ResetPassword).SetName("users.reset-password")

	app.Post("/users/unlock", c.RequestUnlock).SetName("users.unlock.request")
	app.Get("/users/unlock/:token", c.Unlock).SetName("users.unlock")

	app.Post("/users/sign-in", c.SignIn).SetName("users.sign-in")
	app.Delete("/users/sign-out", c.SignOut).SetName("users.sign-out")
	app.Get("/users/logs", c.Logs).SetName("users.logs")

	if c.jobs != nil {
		app.Get("/admin/queue/:topic/dead", c.DeadJobs).SetName("admin.queue.dead")
		app.Post("/admin/queue/jobs/:id/replay", c.ReplayJob).SetName("admin.queue.replay")
	}
}

// HTTPController serves the account endpoints
type HTTPController struct {
	Debug    bool
	auther   *Auther
	signUp   *RegisterUserHandler
	issuer   ActionIssuer
	redeemer ActionRedeemer
	jobs     queue.Inspector
	logger   Logger
}

func NewHTTPController(auther *Auther, signUp *RegisterUserHandler, workflow *ActionWorkflow) *HTTPController {
	return &HTTPController{
		auther:   auther,
		signUp:   signUp,
		issuer:   workflow,
		redeemer: workflow,
		logger:   defLogger{},
	}
}

// WithJobs exposes the dead job admin endpoints backed by jobs
func (c *HTTPController) WithJobs(jobs queue.Inspector) *HTTPController {
	c.jobs = jobs
	return c
}

func (c *HTTPController) WithLogger(logger Logger) *HTTPController {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// EmailRequest is the payload of the issuance endpoints
type EmailRequest struct {
	Email string `json:"email" form:"email"`
}

// CredentialsRequest is the payload of sign up and sign in
type CredentialsRequest struct {
	Email    string `json:"email" form:"email"`
	Password string `json:"password" form:"password"`
}

// ResetPasswordRequest is the payload of the reset password endpoint
type ResetPasswordRequest struct {
	Token    string `json:"token" form:"token"`
	Password string `json:"password" form:"password"`
}

var (
	okBody         = map[string]any{"ok": true}
	badRequestBody = map[string]string{"error": "bad request"}
)

func (c *HTTPController) SignUp(ctx router.Context) error {
	payload := new(CredentialsRequest)
	if err := ctx.Bind(payload); err != nil {
		return ctx.JSON(router.StatusBadRequest, badRequestBody)
	}

	err := c.signUp.Execute(ctx.Context(), RegisterUserMessage{
		Email:    payload.Email,
		Password: payload.Password,
		IP:       ctx.IP(),
	})
	if err != nil {
		return c.issuanceError(ctx, err)
	}

	return ctx.JSON(router.StatusOK, okBody)
}

func (c *HTTPController) RequestConfirm(ctx router.Context) error {
	return c.request(ctx, ActionConfirm)
}

func (c *HTTPController) ForgotPassword(ctx router.Context) error {
	return c.request(ctx, ActionResetPassword)
}

func (c *HTTPController) RequestUnlock(ctx router.Context) error {
	return c.request(ctx, ActionUnlock)
}

func (c *HTTPController) request(ctx router.Context, action Action) error {
	payload := new(EmailRequest)
	if err := ctx.Bind(payload); err != nil {
		return ctx.JSON(router.StatusBadRequest, badRequestBody)
	}

	if c.Debug {
		c.logger.Debug("action request", "act", action.String(), "payload", print.MaybePrettyJSON(payload))
	}

	err := c.issuer.Request(ctx.Context(), RequestActionMessage{
		Action: action,
		Email:  payload.Email,
	})
	if err != nil {
		return c.issuanceError(ctx, err)
	}

	return ctx.JSON(router.StatusOK, okBody)
}

func (c *HTTPController) Confirm(ctx router.Context) error {
	return c.redeem(ctx, RedeemActionMessage{
		Action: ActionConfirm,
		Token:  ctx.Param("token"),
	})
}

func (c *HTTPController) Unlock(ctx router.Context) error {
	return c.redeem(ctx, RedeemActionMessage{
		Action: ActionUnlock,
		Token:  ctx.Param("token"),
	})
}

var resetPasswordPage = template.Must(template.New("reset-password").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Reset your password</title></head>
<body>
<form method="post" action="/users/reset-password">
<input type="hidden" name="token" value="{{.}}">
<label>New password <input type="password" name="password" minlength="8" maxlength="72" required></label>
<button type="submit">Reset password</button>
</form>
</body>
</html>
`))

// ResetPasswordForm is the page the reset email links to. It posts the
// token and the new password back to ResetPassword.
func (c *HTTPController) ResetPasswordForm(ctx router.Context) error {
	token := ctx.Query("token")
	if token == "" {
		return ctx.JSON(router.StatusBadRequest, badRequestBody)
	}

	var buf bytes.Buffer
	if err := resetPasswordPage.Execute(&buf, token); err != nil {
		c.logger.Error("render reset password page failed", "error", err)
		return ctx.JSON(router.StatusInternalServerError, map[string]string{"error": "internal error"})
	}

	ctx.SetHeader("Content-Type", "text/html; charset=utf-8")
	return ctx.Status(router.StatusOK).SendString(buf.String())
}

func (c *HTTPController) ResetPassword(ctx router.Context) error {
	payload := new(ResetPasswordRequest)
	if err := ctx.Bind(payload); err != nil {
		return ctx.JSON(router.StatusBadRequest, badRequestBody)
	}

	return c.redeem(ctx, RedeemActionMessage{
		Action:   ActionResetPassword,
		Token:    payload.Token,
		Password: payload.Password,
	})
}

// redeem answers every failure with the same body. The cause is only logged.
func (c *HTTPController) redeem(ctx router.Context, msg RedeemActionMessage) error {
	msg.IP = ctx.IP()
	if err := c.redeemer.Redeem(ctx.Context(), msg); err != nil {
		c.logger.Debug("action redemption failed", "act", msg.Action.String(), "error", err)
		return ctx.JSON(router.StatusBadRequest, badRequestBody)
	}
	return ctx.JSON(router.StatusOK, okBody)
}

func (c *HTTPController) SignIn(ctx router.Context) error {
	payload := new(CredentialsRequest)
	if err := ctx.Bind(payload); err != nil {
		return ctx.JSON(router.StatusBadRequest, badRequestBody)
	}

	token, err := c.auther.SignIn(ctx.Context(), SignInMessage{
		Email:    payload.Email,
		Password: payload.Password,
		IP:       ctx.IP(),
	})
	if err != nil {
		var richErr *goerrors.Error
		if goerrors.As(err, &richErr) {
			switch {
			case richErr.Category == goerrors.CategoryValidation:
				return ctx.JSON(router.StatusBadRequest, validationBody(richErr))
			case richErr.TextCode == TextCodeInvalidCredentials:
				return ctx.JSON(router.StatusUnauthorized, map[string]string{"error": richErr.Message})
			case richErr.TextCode == TextCodeAccountNotConfirmed, richErr.TextCode == TextCodeAccountLocked:
				return ctx.JSON(router.StatusForbidden, map[string]string{
					"error": richErr.Message,
					"code":  richErr.TextCode,
				})
			}
		}
		c.logger.Error("sign in failed", "error", err)
		return ctx.JSON(router.StatusInternalServerError, map[string]string{"error": "internal error"})
	}

	return ctx.JSON(router.StatusOK, map[string]string{"token": token})
}

func (c *HTTPController) SignOut(ctx router.Context) error {
	token := bearerToken(ctx)
	if token == "" {
		return ctx.JSON(router.StatusUnauthorized, map[string]string{"error": "missing token"})
	}

	if err := c.auther.SignOut(ctx.Context(), token, ctx.IP()); err != nil {
		c.logger.Debug("sign out rejected", "error", err)
		return ctx.JSON(router.StatusUnauthorized, map[string]string{"error": "invalid token"})
	}

	return ctx.JSON(router.StatusOK, okBody)
}

func (c *HTTPController) Logs(ctx router.Context) error {
	token := bearerToken(ctx)
	if token == "" {
		return ctx.JSON(router.StatusUnauthorized, map[string]string{"error": "missing token"})
	}

	logs, err := c.auther.Logs(ctx.Context(), token)
	if err != nil {
		if status, ok := sessionErrorStatus(err); ok {
			return ctx.JSON(status, map[string]string{"error": http.StatusText(status)})
		}
		c.logger.Error("list logs failed", "error", err)
		return ctx.JSON(router.StatusInternalServerError, map[string]string{"error": "internal error"})
	}

	return ctx.JSON(router.StatusOK, map[string]any{"logs": logs})
}

// DeadJobs lists dead jobs of a topic. Admin only.
func (c *HTTPController) DeadJobs(ctx router.Context) error {
	if ok, err := c.requireRole(ctx, RoleAdmin); !ok {
		return err
	}

	limit, _ := strconv.Atoi(ctx.Query("limit", "100"))
	jobs, err := c.jobs.Dead(ctx.Context(), ctx.Param("topic"), limit)
	if err != nil {
		c.logger.Error("list dead jobs failed", "topic", ctx.Param("topic"), "error", err)
		return ctx.JSON(http.StatusServiceUnavailable, map[string]string{"error": "service unavailable"})
	}

	return ctx.JSON(router.StatusOK, map[string]any{"jobs": jobs})
}

// ReplayJob moves a dead job back to pending. Admin only.
func (c *HTTPController) ReplayJob(ctx router.Context) error {
	if ok, err := c.requireRole(ctx, RoleAdmin); !ok {
		return err
	}

	id := ctx.Param("id")
	if err := c.jobs.Replay(ctx.Context(), id); err != nil {
		switch {
		case queue.IsJobNotFound(err):
			return ctx.JSON(http.StatusNotFound, map[string]string{"error": "job not found"})
		case queue.IsJobNotDead(err):
			return ctx.JSON(http.StatusConflict, map[string]string{"error": "job is not dead"})
		}
		c.logger.Error("replay job failed", "id", id, "error", err)
		return ctx.JSON(http.StatusServiceUnavailable, map[string]string{"error": "service unavailable"})
	}

	c.logger.Info("dead job replayed", "id", id)
	return ctx.JSON(router.StatusOK, okBody)
}

// requireRole answers 401 or 403 itself and reports false when the
// bearer session may not continue
func (c *HTTPController) requireRole(ctx router.Context, role UserRole) (bool, error) {
	token := bearerToken(ctx)
	if token == "" {
		return false, ctx.JSON(router.StatusUnauthorized, map[string]string{"error": "missing token"})
	}

	if _, err := c.auther.Authorize(token, role); err != nil {
		status, ok := sessionErrorStatus(err)
		if !ok {
			status = router.StatusUnauthorized
		}
		return false, ctx.JSON(status, map[string]string{"error": http.StatusText(status)})
	}
	return true, nil
}

func sessionErrorStatus(err error) (int, bool) {
	switch {
	case IsInsufficientRole(err):
		return http.StatusForbidden, true
	case IsExpired(err), IsInvalidSignature(err), IsMalformed(err):
		return http.StatusUnauthorized, true
	}
	return 0, false
}

// issuanceError maps sign up and action request failures
func (c *HTTPController) issuanceError(ctx router.Context, err error) error {
	switch {
	case queue.IsQueueUnavailable(err):
		c.logger.Error("queue unavailable", "error", err)
		return ctx.JSON(http.StatusServiceUnavailable, map[string]string{"error": "service unavailable"})
	case IsPreconditionFailed(err), IsIdentityNotFound(err):
		return ctx.JSON(http.StatusConflict, map[string]string{"error": "precondition failed"})
	case hasTextCode(err, TextCodeEmailExists):
		return ctx.JSON(http.StatusConflict, map[string]string{"error": "email already exists"})
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) && richErr.Category == goerrors.CategoryValidation {
		return ctx.JSON(router.StatusBadRequest, validationBody(richErr))
	}

	c.logger.Error("action request failed", "error", err)
	return ctx.JSON(router.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func validationBody(err *goerrors.Error) map[string]any {
	fields := map[string]string{}
	for _, fe := range err.ValidationErrors {
		fields[fe.Field] = fe.Message
	}
	return map[string]any{
		"error":  err.Message,
		"fields": fields,
	}
}

func bearerToken(ctx router.Context) string {
	header := ctx.GetString("Authorization", "")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
