package utils

import (
	"context"

	"github.com/mmdatafocus/pitix_terminal/appctx"
)

var (
	ContextKeyTerminalId    = appctx.ContextKeyTerminalId
	ContextKeyOperatorId    = appctx.ContextKeyOperatorId
	ContextKeyOperatorName  = appctx.ContextKeyOperatorName
	ContextKeyShiftId       = appctx.ContextKeyShiftId
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
)

func GetTerminalIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyTerminalId)
}

func GetOperatorIdFromContext(ctx context.Context) (int, bool) {
	return appctx.GetInt(ctx, ContextKeyOperatorId)
}

func GetOperatorNameFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyOperatorName)
}

func GetShiftIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyShiftId)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetTerminalIdInContext(ctx context.Context, terminalId string) context.Context {
	return appctx.Set(ctx, ContextKeyTerminalId, terminalId)
}

func SetOperatorIdInContext(ctx context.Context, operatorId int) context.Context {
	return appctx.Set(ctx, ContextKeyOperatorId, operatorId)
}

func SetOperatorNameInContext(ctx context.Context, operatorName string) context.Context {
	return appctx.Set(ctx, ContextKeyOperatorName, operatorName)
}

func SetShiftIdInContext(ctx context.Context, shiftId string) context.Context {
	return appctx.Set(ctx, ContextKeyShiftId, shiftId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}
