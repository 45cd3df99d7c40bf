package kube

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"

	"c2dagent/internal/compute"
)

// 常量统一了标签、卷名与挂载路径，确保模板与运行时代码一致。
const (
	labelManagedBy = "c2dagent.io/managed-by"
	labelJobName   = "c2dagent.io/job"
	labelAssetID   = "c2dagent.io/asset"
	labelKind      = "c2dagent.io/kind"
	controllerName = "c2d-marketplace"

	kindAsset  = "asset"
	kindOrder  = "order"
	kindModule = "module"
	kindInput  = "input"

	wasmFileName    = "module.wasm"
	wasmMountPath   = "/mnt/wasm"
	sharedMountPath = "/mnt/shared"
	resultFileName  = "result.json"
	inputFileName   = "input.json"
	inputMountPath  = "/mnt/input"
	inputVolumeName = "input-dir"
	wasmVolumeName  = "wasm-dir"
	executorName    = "executor"
)

// nameSanitizer 将资产或作业标识清洗成合法的 Kubernetes 名称。
var nameSanitizer = regexp.MustCompile(`[^a-z0-9\-]+`)

// sanitizeName 统一裁剪/小写标识，避免非法或超长名称。
func sanitizeName(base string) string {
	base = strings.ToLower(base)
	base = nameSanitizer.ReplaceAllString(base, "-")
	base = strings.Trim(base, "-")
	if len(base) == 0 {
		base = "c2d"
	}
	if len(base) > 50 {
		base = strings.TrimRight(base[:50], "-")
	}
	return base
}

func assetConfigMapName(assetID string) string {
	return "c2d-asset-" + sanitizeName(assetID)
}

func moduleConfigMapName(jobName string) string {
	return jobName + "-module"
}

func inputConfigMapName(jobName string) string {
	return jobName + "-input"
}

// assetFromData 解析资产 ConfigMap 的 data 字段。
func assetFromData(id string, data map[string]string) (compute.Asset, error) {
	a := compute.Asset{
		ID:   id,
		Name: data["name"],
		Kind: data["kind"],
		URI:  data["uri"],
	}
	if raw := strings.TrimSpace(data["price"]); raw != "" {
		p, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return compute.Asset{}, fmt.Errorf("asset %s: invalid price %q: %w", id, raw, err)
		}
		a.Price = p
	}
	return a, nil
}

func assetData(a compute.Asset) map[string]string {
	return map[string]string{
		"id":    a.ID,
		"name":  a.Name,
		"kind":  a.Kind,
		"price": strconv.FormatFloat(a.Price, 'f', -1, 64),
		"uri":   a.URI,
	}
}

// buildJobSpec 根据模板注入作业专属 env、标签、资源与 ConfigMap 卷。
func (m *Marketplace) buildJobSpec(req compute.JobRequest, jobName, wasmCMName, inputCMName string) *batchv1.Job {
	tmpl := m.template.DeepCopy()

	tmpl.Namespace = m.namespace
	tmpl.Name = jobName
	tmpl.Labels = mergeLabels(tmpl.Labels, map[string]string{
		labelManagedBy: controllerName,
		labelJobName:   jobName,
	})
	tmpl.Annotations = mergeLabels(tmpl.Annotations, map[string]string{
		"c2dagent.io/dataset":         req.DatasetID,
		"c2dagent.io/algorithm":       req.AlgorithmID,
		"c2dagent.io/dataset-order":   req.DatasetReceipt.TxID,
		"c2dagent.io/algorithm-order": req.AlgorithmReceipt.TxID,
	})
	if req.Resources.MaxDuration > 0 {
		secs := int64(req.Resources.MaxDuration / time.Second)
		tmpl.Spec.ActiveDeadlineSeconds = &secs
	}

	podMeta := &tmpl.Spec.Template.ObjectMeta
	podMeta.Labels = mergeLabels(podMeta.Labels, map[string]string{
		labelManagedBy: controllerName,
		labelJobName:   jobName,
	})

	appendEnv := func(envs []corev1.EnvVar, name, value string) []corev1.EnvVar {
		if value == "" {
			return envs
		}
		for i := range envs {
			if envs[i].Name == name {
				envs[i].Value = value
				return envs
			}
		}
		return append(envs, corev1.EnvVar{Name: name, Value: value})
	}

	inputPath := fmt.Sprintf("%s/%s", sharedMountPath, inputFileName)
	if inputCMName != "" {
		inputPath = fmt.Sprintf("%s/%s", inputMountPath, inputFileName)
	}

	requests := resourceList(req.Resources)
	for i := range tmpl.Spec.Template.Spec.Containers {
		c := &tmpl.Spec.Template.Spec.Containers[i]
		if m.image != "" {
			c.Image = m.image
		}
		env := append([]corev1.EnvVar(nil), c.Env...)
		env = appendEnv(env, "WASM_PATH", fmt.Sprintf("%s/%s", wasmMountPath, wasmFileName))
		env = appendEnv(env, "OUTPUT_PATH", fmt.Sprintf("%s/%s", sharedMountPath, resultFileName))
		env = appendEnv(env, "INPUT_PATH", inputPath)
		env = appendEnv(env, "DATASET_ID", req.DatasetID)
		env = appendEnv(env, "ALGORITHM_ID", req.AlgorithmID)
		c.Env = env
		if len(requests) > 0 {
			c.Resources.Requests = requests
			c.Resources.Limits = requests.DeepCopy()
		}
		ensureVolumeMount(c, wasmVolumeName, wasmMountPath, true)
		if inputCMName != "" {
			ensureVolumeMount(c, inputVolumeName, inputMountPath, true)
		}
	}

	vols := &tmpl.Spec.Template.Spec.Volumes
	ensureConfigMapVolume(vols, wasmVolumeName, wasmCMName)
	if inputCMName != "" {
		ensureConfigMapVolume(vols, inputVolumeName, inputCMName)
	}

	return tmpl
}

func resourceList(r compute.Resources) corev1.ResourceList {
	out := corev1.ResourceList{}
	if r.CPU > 0 {
		out[corev1.ResourceCPU] = *resource.NewQuantity(int64(r.CPU), resource.DecimalSI)
	}
	if r.MemoryMB > 0 {
		out[corev1.ResourceMemory] = *resource.NewQuantity(int64(r.MemoryMB)<<20, resource.BinarySI)
	}
	return out
}

// ensureConfigMapVolume 确保 Pod 规格中存在指向 cmName 的 ConfigMap 卷。
func ensureConfigMapVolume(vols *[]corev1.Volume, name, cmName string) {
	src := corev1.VolumeSource{
		ConfigMap: &corev1.ConfigMapVolumeSource{
			LocalObjectReference: corev1.LocalObjectReference{Name: cmName},
		},
	}
	for i := range *vols {
		if (*vols)[i].Name == name {
			(*vols)[i].VolumeSource = src
			return
		}
	}
	*vols = append(*vols, corev1.Volume{Name: name, VolumeSource: src})
}

// ensureVolumeMount 确保容器挂载指定卷并更新挂载属性。
func ensureVolumeMount(c *corev1.Container, name, mountPath string, readOnly bool) {
	for i := range c.VolumeMounts {
		if c.VolumeMounts[i].Name == name {
			c.VolumeMounts[i].MountPath = mountPath
			c.VolumeMounts[i].ReadOnly = readOnly
			return
		}
	}
	c.VolumeMounts = append(c.VolumeMounts, corev1.VolumeMount{
		Name:      name,
		MountPath: mountPath,
		ReadOnly:  readOnly,
	})
}

// mergeLabels 以覆盖方式合并标签，src 优先。
func mergeLabels(dst map[string]string, src map[string]string) map[string]string {
	if dst == nil {
		dst = map[string]string{}
	}
	for k, v := range src {
		if v == "" {
			continue
		}
		dst[k] = v
	}
	return dst
}

// jobState 把 batch Job 状态映射为计算作业状态。
func jobState(job *batchv1.Job) (compute.JobState, string) {
	for _, cond := range job.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		switch cond.Type {
		case batchv1.JobComplete:
			return compute.StateCompleted, ""
		case batchv1.JobFailed:
			if cond.Reason == "DeadlineExceeded" {
				return compute.StateTimeout, cond.Message
			}
			return compute.StateFailed, cond.Message
		case batchv1.JobSuspended:
			return compute.StateCancelled, cond.Message
		}
	}
	switch {
	case job.Status.Succeeded > 0:
		return compute.StateCompleted, ""
	case job.Status.Failed > 0:
		return compute.StateFailed, "job failed without condition"
	case job.Spec.Suspend != nil && *job.Spec.Suspend:
		return compute.StateCancelled, "job suspended"
	case job.Status.Active > 0:
		return compute.StateRunning, ""
	default:
		return compute.StateQueued, ""
	}
}
