package middleware

import (
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

// RequestLogger writes one structured access log line per request.
func RequestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	logger = logger.Named("http")
	return echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("remote_ip", v.RemoteIP),
			}
			if v.RequestID != "" {
				fields = append(fields, zap.String("request_id", v.RequestID))
			}
			if a, ok := Actor(c); ok {
				fields = append(fields, zap.Uint64("user_id", a.ID), zap.String("role", string(a.Role)))
			}
			if v.Error != nil {
				logger.Error("request", append(fields, zap.Error(v.Error))...)
				return nil
			}
			logger.Info("request", fields...)
			return nil
		},
	})
}
