package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/turnon/deferred/scheduler"
	"github.com/turnon/deferred/tasklist/common"
	"github.com/turnon/deferred/tfl"
)

const mod = "api"

// ScheduleTimeLayout schedule_time的格式，按本地时间解析
const ScheduleTimeLayout = "2006-01-02T15:04:05"

type ApplicationInterface struct {
	port      int
	ch        chan struct{}
	ctx       context.Context
	tasks     common.Tasklist
	scheduler *scheduler.Scheduler
	lines     *tfl.Helper
}

func newApi(ctx context.Context, port int, tasks common.Tasklist, s *scheduler.Scheduler, lines *tfl.Helper) *ApplicationInterface {
	api := &ApplicationInterface{ctx: ctx, port: port, tasks: tasks, scheduler: s, lines: lines}
	api.start()
	return api
}

// wait 等待api退出
func (api *ApplicationInterface) wait() chan struct{} {
	return api.ch
}

// logErr 输出日志
func (api *ApplicationInterface) logErr(err error) {
	log.Error().Str("mod", "api").Err(err).Send()
}

func (api *ApplicationInterface) router() *gin.Engine {
	router := gin.New()
	router.Use(requestLogger())
	router.Use(gin.Recovery())

	router.GET("/healthz", api.healthz)

	path := router.Group("api")

	v1 := path.Group("/v1")
	{
		v1.POST("/tasks", api.postTasks)
		v1.GET("/tasks", api.listTasks)
		v1.GET("/tasks/pending", api.listPendingTasks)
		v1.GET("/tasks/:id", api.getTasks)
		v1.DELETE("/tasks/:id", api.deleteTasks)
	}

	return router
}

func (api *ApplicationInterface) start() {
	api.ch = make(chan struct{})
	if api.port == 0 {
		api.port = 80
	}

	gin.SetMode(gin.ReleaseMode)

	httpSrv := &http.Server{
		Addr:    ":" + strconv.Itoa(api.port),
		Handler: api.router(),
	}

	go func() {
		log.Info().Str("mod", mod).Msgf("listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			api.logErr(err)
		}
	}()

	go func() {
		<-api.ctx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := httpSrv.Shutdown(ctx)
		if err == nil {
			log.Info().Str("mod", mod).Msg("shutdown")
		} else {
			api.logErr(err)
		}
		close(api.ch)
	}()
}

type postTaskRequest struct {
	Target       string `form:"target" json:"target"`
	Lines        string `form:"lines" json:"lines"`
	ScheduleTime string `form:"schedule_time" json:"schedule_time"`
	ID           string `form:"id" json:"id"`
}

// postTasks 新建任务，schedule_time为空时立即执行
func (api *ApplicationInterface) postTasks(c *gin.Context) {
	var req postTaskRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var fireTime time.Time
	if req.ScheduleTime != "" {
		t, err := time.ParseInLocation(ScheduleTimeLayout, req.ScheduleTime, time.Local)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "schedule_time must look like " + ScheduleTimeLayout})
			return
		}
		if t.Before(time.Now()) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "schedule_time must be in the future"})
			return
		}
		fireTime = t
	}

	target, err := api.target(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := api.scheduler.ScheduleCall(c.Request.Context(), target, fireTime, req.ID)
	if err != nil {
		api.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}

// target 优先使用target，否则由lines拼出
func (api *ApplicationInterface) target(req postTaskRequest) (string, error) {
	if req.Target != "" {
		return req.Target, nil
	}
	if req.Lines == "" {
		return "", errors.New("either target or lines is required")
	}
	if api.lines == nil {
		return "", errors.New("lines are not enabled on this server")
	}
	return api.lines.URLFromLines(req.Lines)
}

// listTasks 所有已完成任务的结果
func (api *ApplicationInterface) listTasks(c *gin.Context) {
	finished, err := api.tasks.ListFinishedTasks(c.Request.Context())
	if err != nil {
		api.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, finished)
}

// listPendingTasks 未完成的任务id
func (api *ApplicationInterface) listPendingTasks(c *gin.Context) {
	ids, err := api.tasks.ListPendingTasks(c.Request.Context())
	if err != nil {
		api.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": ids})
}

// getTasks 查看任务结果
func (api *ApplicationInterface) getTasks(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	resp, ok, err := api.tasks.LookupResponse(ctx, id)
	if err != nil {
		api.fail(c, err)
		return
	}
	if !ok {
		pending, err := api.tasks.IsPendingTask(ctx, id)
		if err != nil {
			api.fail(c, err)
			return
		}
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "task has either not been scheduled or not been completed",
			"pending": pending,
		})
		return
	}

	c.Data(http.StatusOK, "application/json; charset=utf-8", resp)
}

// deleteTasks 取消未执行的任务并删除结果
func (api *ApplicationInterface) deleteTasks(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if _, err := api.scheduler.Cancel(ctx, id); err != nil {
		api.fail(c, err)
		return
	}
	if err := api.tasks.RemoveFinishedTask(ctx, id); err != nil {
		api.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (api *ApplicationInterface) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// fail 按错误种类返回状态码
func (api *ApplicationInterface) fail(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, common.ErrInvalidSchedule), errors.Is(err, tfl.ErrInvalidLines):
		code = http.StatusBadRequest
	case errors.Is(err, common.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, scheduler.ErrStopped):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		api.logErr(err)
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func requestLogger() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		startTime := time.Now()
		ctx.Next()
		log.
			Info().
			Str("mod", mod).
			Int("code", ctx.Writer.Status()).
			Str("method", ctx.Request.Method).
			Str("path", ctx.Request.RequestURI).
			TimeDiff("latency", time.Now(), startTime).
			Send()
	}
}
