package guest

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/tpc-cloud/worker-node/internal/wire"
)

// dispatch executes one raw frame from the persistent channel. Every frame
// yields exactly one response; frames that do not parse answer with id "-1".
func (a *Agent) dispatch(ctx context.Context, payload []byte) wire.ExecutionResponse {
	var req wire.ExecutionRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		a.logger.Error("Execution request does not parse", zap.Error(err))
		return wire.ExecutionResponse{
			ID:          "-1",
			Result:      wire.ResultFailure,
			Description: fmt.Sprintf("malformed execution request: %v", err),
		}
	}
	if !req.Command.Valid() {
		return wire.ExecutionResponse{
			ID:          req.ID,
			Result:      wire.ResultFailure,
			Description: fmt.Sprintf("unknown command %q", req.Command),
		}
	}

	a.logger.Info("Dispatching command",
		zap.String("id", req.ID),
		zap.String("command", string(req.Command)),
	)

	switch req.Command {
	case wire.CommandPreLoadImage:
		return a.handlePreLoadImage(req)
	case wire.CommandRunPod:
		return a.handleRunPod(ctx, req)
	case wire.CommandDeletePod:
		return a.handleDeletePod(ctx, req)
	case wire.CommandDeleteAllPods:
		return a.handleDeleteAllPods(ctx, req)
	case wire.CommandGetPodDetails:
		return a.handleGetPodDetails(ctx, req)
	}
	// Unreachable: Valid() covered the enum.
	return failure(req.ID, "unhandled command")
}

func failure(id, description string) wire.ExecutionResponse {
	return wire.ExecutionResponse{ID: id, Result: wire.ResultFailure, Description: description}
}

func success(id, description string) wire.ExecutionResponse {
	return wire.ExecutionResponse{ID: id, Result: wire.ResultSuccess, Description: description}
}

func (a *Agent) handlePreLoadImage(req wire.ExecutionRequest) wire.ExecutionResponse {
	image := req.StringArg("image_name")
	version := req.StringArg("version")
	if image == "" || version == "" {
		return failure(req.ID, "PRE_LOAD_IMAGE requires image_name and version")
	}

	if registry := req.StringArg("registry"); registry != "" {
		err := a.provisioner.WriteRegistryCredentials(registry,
			req.StringArg("username"), req.StringArg("password"))
		if err != nil {
			a.logger.Error("Write registry credentials", zap.Error(err))
			return failure(req.ID, "failed to store registry credentials")
		}
	}

	out, err := a.provisioner.PullImage(image, version)
	if err != nil {
		a.logger.Error("Image pull failed", zap.String("image", image), zap.Error(err))
		return failure(req.ID, fmt.Sprintf("failed to pull %s:%s: %s", image, version, out))
	}
	return success(req.ID, fmt.Sprintf("pulled %s:%s", image, version))
}

func (a *Agent) handleRunPod(ctx context.Context, req wire.ExecutionRequest) wire.ExecutionResponse {
	namespace := req.StringArg("namespace")
	image := req.StringArg("image_name")
	version := req.StringArg("version")
	if namespace == "" || image == "" || version == "" {
		return failure(req.ID, "RUN_POD requires namespace, image_name and version")
	}

	if err := a.cluster.CreateNamespace(ctx, namespace); err != nil {
		a.logger.Error("Namespace ensure failed", zap.String("namespace", namespace), zap.Error(err))
		return failure(req.ID, "Failed to create namespace")
	}
	podName, err := a.cluster.RunPod(ctx, image, version, req.MapArg("environment"), namespace)
	if err != nil {
		a.logger.Error("Pod run failed", zap.String("image", image), zap.Error(err))
		return failure(req.ID, "Failed to create pod")
	}
	return success(req.ID, podName)
}

func (a *Agent) handleDeletePod(ctx context.Context, req wire.ExecutionRequest) wire.ExecutionResponse {
	podName := req.StringArg("pod_name")
	namespace := req.StringArg("namespace")
	if podName == "" || namespace == "" {
		return failure(req.ID, "DELETE_POD requires pod_name and namespace")
	}
	ok, err := a.cluster.DeletePod(ctx, podName, namespace)
	if err != nil {
		a.logger.Error("Pod delete failed", zap.String("pod", podName), zap.Error(err))
		return failure(req.ID, fmt.Sprintf("failed to delete pod %s", podName))
	}
	if !ok {
		return failure(req.ID, fmt.Sprintf("pod %s still present after deletion window", podName))
	}
	return success(req.ID, fmt.Sprintf("deleted pod %s", podName))
}

func (a *Agent) handleDeleteAllPods(ctx context.Context, req wire.ExecutionRequest) wire.ExecutionResponse {
	namespace := req.StringArg("namespace")
	if namespace == "" {
		return failure(req.ID, "DELETE_ALL_PODS requires namespace")
	}
	ok, err := a.cluster.DeleteAllPods(ctx, namespace)
	if err != nil {
		a.logger.Error("Bulk pod delete failed", zap.String("namespace", namespace), zap.Error(err))
		return failure(req.ID, fmt.Sprintf("failed to delete pods in %s", namespace))
	}
	if !ok {
		return failure(req.ID, fmt.Sprintf("pods in %s still present after deletion window", namespace))
	}
	return success(req.ID, fmt.Sprintf("deleted all pods in %s", namespace))
}

func (a *Agent) handleGetPodDetails(ctx context.Context, req wire.ExecutionRequest) wire.ExecutionResponse {
	namespace := req.StringArg("namespace")
	if namespace == "" {
		return failure(req.ID, "GET_POD_DETAILS requires namespace")
	}
	details, err := a.cluster.NamespaceDetails(ctx, namespace)
	if err != nil {
		a.logger.Error("Namespace details failed", zap.String("namespace", namespace), zap.Error(err))
		return failure(req.ID, fmt.Sprintf("failed to read metrics for %s", namespace))
	}
	extra, err := json.Marshal(details)
	if err != nil {
		return failure(req.ID, "failed to encode namespace details")
	}
	return wire.ExecutionResponse{
		ID:          req.ID,
		Result:      wire.ResultSuccess,
		Description: fmt.Sprintf("%d pods in %s", len(details.PodDetails), namespace),
		Extra:       extra,
	}
}
