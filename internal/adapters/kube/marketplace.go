package kube

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/yaml"

	"c2dagent/internal/adapters/wasm"
	"c2dagent/internal/compute"
	"c2dagent/internal/logging"
)

// defaultJobTemplate 在未配置模板文件时使用。
const defaultJobTemplate = `
apiVersion: batch/v1
kind: Job
metadata:
  name: c2d-executor
spec:
  backoffLimit: 0
  ttlSecondsAfterFinished: 300
  template:
    spec:
      restartPolicy: Never
      containers:
        - name: executor
          image: c2dagent/executor:latest
          volumeMounts:
            - name: shared
              mountPath: /mnt/shared
      volumes:
        - name: shared
          emptyDir: {}
`

// AssetFetcher 按引用拉取资产字节（算法模块或数据集输入）。
type AssetFetcher interface {
	FetchModule(ctx context.Context, ref string) ([]byte, error)
	FetchInput(ctx context.Context, ref string) ([]byte, error)
}

// Config 描述集群内计算市场的部署参数。
type Config struct {
	Namespace     string
	ExecutorImage string
	// JobTemplate 为空时使用内置模板。
	JobTemplate string
	Log         logging.Logger
}

// Marketplace 以 Kubernetes batch Job 实现计算市场：资产登记在 ConfigMap 中，
// 作业以 wasm 执行器 Pod 运行，结果从 Pod 日志解析。
type Marketplace struct {
	client    kubernetes.Interface
	namespace string
	image     string
	fetcher   AssetFetcher
	log       logging.Logger
	template  *batchv1.Job

	mu        sync.Mutex
	artifacts map[string][]string
}

// NewClientset 优先使用集群内配置，失败时回退到本地 kubeconfig。
func NewClientset() (kubernetes.Interface, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		cfg, err = clientcmd.BuildConfigFromFlags("", clientcmd.RecommendedHomeFile)
		if err != nil {
			return nil, fmt.Errorf("build kube config: %w", err)
		}
	}
	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("build clientset: %w", err)
	}
	return cs, nil
}

// NewMarketplace 构建基于 Kubernetes 的计算市场并加载 Job 模板。
func NewMarketplace(client kubernetes.Interface, cfg Config, fetcher AssetFetcher) (*Marketplace, error) {
	if client == nil {
		return nil, fmt.Errorf("kubernetes client required")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("asset fetcher required")
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	m := &Marketplace{
		client:    client,
		namespace: cfg.Namespace,
		image:     cfg.ExecutorImage,
		fetcher:   fetcher,
		log:       logging.Default(cfg.Log),
		artifacts: make(map[string][]string),
	}
	if cfg.JobTemplate == "" {
		if err := m.parseTemplate([]byte(defaultJobTemplate)); err != nil {
			return nil, err
		}
		return m, nil
	}
	if err := m.LoadTemplate(cfg.JobTemplate); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadTemplate 读取 Job 模板并缓存，后续作业直接复用骨架。
func (m *Marketplace) LoadTemplate(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read job template: %w", err)
	}
	if err := m.parseTemplate(data); err != nil {
		return err
	}
	m.log.Infof("loaded job template from %s", path)
	return nil
}

func (m *Marketplace) parseTemplate(data []byte) error {
	var job batchv1.Job
	if err := yaml.Unmarshal(data, &job); err != nil {
		return fmt.Errorf("unmarshal job template: %w", err)
	}
	if len(job.Spec.Template.Spec.Containers) == 0 {
		return fmt.Errorf("job template has no containers")
	}
	m.template = job.DeepCopy()
	return nil
}

// Health 检查 API Server 可达。
func (m *Marketplace) Health(ctx context.Context) error {
	v, err := m.client.Discovery().ServerVersion()
	if err != nil {
		return fmt.Errorf("kubernetes api unreachable: %w", err)
	}
	m.log.Infof("kubernetes api reachable (version=%s)", v.GitVersion)
	return nil
}

// RegisterAsset 在命名空间中登记（或更新）一个资产。
func (m *Marketplace) RegisterAsset(ctx context.Context, a compute.Asset) error {
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      assetConfigMapName(a.ID),
			Namespace: m.namespace,
			Labels: map[string]string{
				labelManagedBy: controllerName,
				labelKind:      kindAsset,
			},
		},
		Data: assetData(a),
	}
	cms := m.client.CoreV1().ConfigMaps(m.namespace)
	if _, err := cms.Create(ctx, cm, metav1.CreateOptions{}); err != nil {
		if !apierrors.IsAlreadyExists(err) {
			return fmt.Errorf("register asset %s: %w", a.ID, err)
		}
		if _, err := cms.Update(ctx, cm, metav1.UpdateOptions{}); err != nil {
			return fmt.Errorf("update asset %s: %w", a.ID, err)
		}
	}
	m.log.Infof("asset %s registered (%s)", a.ID, cm.Name)
	return nil
}

// ResolveAsset 读取资产登记。
func (m *Marketplace) ResolveAsset(ctx context.Context, id string) (compute.Asset, error) {
	cm, err := m.client.CoreV1().ConfigMaps(m.namespace).Get(ctx, assetConfigMapName(id), metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return compute.Asset{}, fmt.Errorf("asset %s not registered in namespace %s", id, m.namespace)
		}
		return compute.Asset{}, fmt.Errorf("get asset %s: %w", id, err)
	}
	return assetFromData(id, cm.Data)
}

// OrderAsset 记录一次付费资产订购，返回订单 ConfigMap 名称作为凭据。
func (m *Marketplace) OrderAsset(ctx context.Context, a compute.Asset) (compute.Receipt, error) {
	name := fmt.Sprintf("c2d-order-%s", uuid.NewString()[:8])
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: m.namespace,
			Labels: map[string]string{
				labelManagedBy: controllerName,
				labelKind:      kindOrder,
				labelAssetID:   sanitizeName(a.ID),
			},
		},
		Data: map[string]string{
			"assetId":   a.ID,
			"price":     assetData(a)["price"],
			"orderedAt": time.Now().UTC().Format(time.RFC3339),
		},
	}
	if _, err := m.client.CoreV1().ConfigMaps(m.namespace).Create(ctx, cm, metav1.CreateOptions{}); err != nil {
		return compute.Receipt{}, fmt.Errorf("record order for %s: %w", a.ID, err)
	}
	m.log.Infof("asset %s ordered (%s)", a.ID, name)
	return compute.Receipt{AssetID: a.ID, TxID: name}, nil
}

// SubmitJob 拉取算法模块与数据集，写入 ConfigMap，并基于模板创建一次性 Job。
func (m *Marketplace) SubmitJob(ctx context.Context, req compute.JobRequest) (string, error) {
	if m.template == nil {
		return "", fmt.Errorf("job template not loaded")
	}
	algorithm, err := m.ResolveAsset(ctx, req.AlgorithmID)
	if err != nil {
		return "", err
	}
	dataset, err := m.ResolveAsset(ctx, req.DatasetID)
	if err != nil {
		return "", err
	}
	module, err := m.fetcher.FetchModule(ctx, assetRef(algorithm))
	if err != nil {
		return "", fmt.Errorf("fetch algorithm %s: %w", algorithm.ID, err)
	}
	input, err := m.fetcher.FetchInput(ctx, assetRef(dataset))
	if err != nil {
		return "", fmt.Errorf("fetch dataset %s: %w", dataset.ID, err)
	}

	jobName := "c2d-job-" + uuid.NewString()[:8]
	var configMaps []string

	moduleCM := moduleConfigMapName(jobName)
	m.log.Infof("job %s: creating module configmap %s", jobName, moduleCM)
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      moduleCM,
			Namespace: m.namespace,
			Labels: map[string]string{
				labelManagedBy: controllerName,
				labelJobName:   jobName,
				labelKind:      kindModule,
			},
		},
		BinaryData: map[string][]byte{wasmFileName: module},
	}
	if _, err := m.client.CoreV1().ConfigMaps(m.namespace).Create(ctx, cm, metav1.CreateOptions{}); err != nil {
		m.log.Errorf("job %s: create module configmap failed: %v", jobName, err)
		return "", fmt.Errorf("create module configmap: %w", err)
	}
	configMaps = append(configMaps, moduleCM)

	var inputCM string
	if len(strings.TrimSpace(string(input))) > 0 {
		inputCM = inputConfigMapName(jobName)
		m.log.Infof("job %s: creating input configmap %s", jobName, inputCM)
		in := &corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{
				Name:      inputCM,
				Namespace: m.namespace,
				Labels: map[string]string{
					labelManagedBy: controllerName,
					labelJobName:   jobName,
					labelKind:      kindInput,
				},
			},
			Data: map[string]string{inputFileName: string(input)},
		}
		if _, err := m.client.CoreV1().ConfigMaps(m.namespace).Create(ctx, in, metav1.CreateOptions{}); err != nil {
			m.log.Errorf("job %s: create input configmap failed: %v", jobName, err)
			m.deleteConfigMaps(context.WithoutCancel(ctx), configMaps)
			return "", fmt.Errorf("create input configmap: %w", err)
		}
		configMaps = append(configMaps, inputCM)
	}

	job := m.buildJobSpec(req, jobName, moduleCM, inputCM)
	if _, err := m.client.BatchV1().Jobs(m.namespace).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		m.log.Errorf("job %s: create failed: %v", jobName, err)
		m.deleteConfigMaps(context.WithoutCancel(ctx), configMaps)
		return "", fmt.Errorf("create job: %w", err)
	}

	m.mu.Lock()
	m.artifacts[jobName] = configMaps
	m.mu.Unlock()
	m.log.Infof("job %s created (algorithm=%s dataset=%s)", jobName, algorithm.ID, dataset.ID)
	return jobName, nil
}

// JobStatus 查询 Job 当前状态；到达终态时解析日志并清理资源。
func (m *Marketplace) JobStatus(ctx context.Context, jobName string) (compute.Status, error) {
	job, err := m.client.BatchV1().Jobs(m.namespace).Get(ctx, jobName, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			now := time.Now()
			return compute.Status{
				JobID:   jobName,
				State:   compute.StateCancelled,
				EndTime: &now,
				Error:   "job no longer exists",
			}, nil
		}
		return compute.Status{}, err
	}

	state, message := jobState(job)
	st := compute.Status{
		JobID:     jobName,
		State:     state,
		StartTime: job.CreationTimestamp.Time,
		Error:     message,
	}
	if job.Status.StartTime != nil {
		st.StartTime = job.Status.StartTime.Time
	}
	switch state {
	case compute.StateQueued:
		st.Progress = 0
	case compute.StateRunning:
		st.Progress = 50
	default:
		st.Progress = 100
		end := time.Now()
		if job.Status.CompletionTime != nil {
			end = job.Status.CompletionTime.Time
		}
		st.EndTime = &end
		st.Duration = end.Sub(st.StartTime)
	}
	if !state.Terminal() {
		return st, nil
	}

	if state == compute.StateCompleted {
		logs, err := m.FetchJobLogs(ctx, jobName)
		if err != nil {
			m.log.Warnf("fetch logs %s: %v", jobName, err)
		}
		out := parseOutput(logs)
		st.Result = &out
	}
	m.log.Infof("job %s finished (state=%s succeeded=%d failed=%d)", jobName, state, job.Status.Succeeded, job.Status.Failed)
	m.DeleteArtifacts(context.WithoutCancel(ctx), jobName)
	return st, nil
}

// FetchJobLogs 拉取 Job 第一个 Pod 的日志。
func (m *Marketplace) FetchJobLogs(ctx context.Context, jobName string) (string, error) {
	job, err := m.client.BatchV1().Jobs(m.namespace).Get(ctx, jobName, metav1.GetOptions{})
	if err != nil {
		return "", err
	}

	var selector labels.Selector
	if job.Spec.Selector != nil && len(job.Spec.Selector.MatchLabels) > 0 {
		selector = labels.Set(job.Spec.Selector.MatchLabels).AsSelector()
	} else {
		selector = labels.SelectorFromSet(map[string]string{
			labelManagedBy: controllerName,
			labelJobName:   jobName,
		})
	}
	pods, err := m.client.CoreV1().Pods(m.namespace).List(ctx, metav1.ListOptions{LabelSelector: selector.String()})
	if err != nil {
		return "", err
	}
	if len(pods.Items) == 0 {
		return "", fmt.Errorf("no pod found for job %s", jobName)
	}

	req := m.client.CoreV1().Pods(m.namespace).GetLogs(pods.Items[0].Name, &corev1.PodLogOptions{Container: executorName})
	stream, err := req.Stream(ctx)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var builder strings.Builder
	scanner := bufio.NewScanner(stream)
	for scanner.Scan() {
		builder.WriteString(scanner.Text())
		builder.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return builder.String(), nil
}

// DeleteArtifacts 删除 Job 以及为它创建的 ConfigMap，避免资源残留。
func (m *Marketplace) DeleteArtifacts(ctx context.Context, jobName string) {
	m.mu.Lock()
	configMaps := m.artifacts[jobName]
	delete(m.artifacts, jobName)
	m.mu.Unlock()

	m.log.Infof("cleaning up job %s", jobName)
	propagation := metav1.DeletePropagationBackground
	if err := m.client.BatchV1().Jobs(m.namespace).Delete(ctx, jobName, metav1.DeleteOptions{PropagationPolicy: &propagation}); err != nil && !apierrors.IsNotFound(err) {
		m.log.Warnf("delete job %s: %v", jobName, err)
	}
	m.deleteConfigMaps(ctx, configMaps)
}

// deleteConfigMaps 逐个删除 ConfigMap（忽略空字符串）。
func (m *Marketplace) deleteConfigMaps(ctx context.Context, configMaps []string) {
	for _, name := range configMaps {
		if name == "" {
			continue
		}
		if err := m.client.CoreV1().ConfigMaps(m.namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil {
			m.log.Warnf("delete configmap %s: %v", name, err)
		}
	}
}

// parseOutput 优先解析执行器输出的 JSON 报告行，否则取最后一条非空行。
func parseOutput(logs string) compute.Output {
	lines := nonEmptyLines(logs)
	if report, ok := wasm.ParseReport(logs); ok {
		out := report.Output(lines)
		out.Artifacts = []string{fmt.Sprintf("%s/%s", sharedMountPath, resultFileName)}
		return out
	}
	out := compute.Output{Logs: lines, Artifacts: []string{}}
	if len(lines) > 0 {
		out.Output = lines[len(lines)-1]
	}
	return out
}

func nonEmptyLines(logs string) []string {
	var out []string
	for _, line := range strings.Split(logs, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func assetRef(a compute.Asset) string {
	if a.URI != "" {
		return a.URI
	}
	return a.ID
}
