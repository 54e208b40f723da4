package task

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var taskDurationHistogram = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "simulator_background_task_latency_seconds",
		Help:    "Background loop latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
	},
	[]string{"task"},
)

type task struct {
	function    func()
	interval    time.Duration
	metricName  string
	stopChannel chan bool
}

// BackgroundTaskManager is not threadsafe, it should only be accessed from a single thread.
type BackgroundTaskManager struct {
	tasks []*task
	wg    *sync.WaitGroup
}

func NewBackgroundTaskManager() *BackgroundTaskManager {
	return &BackgroundTaskManager{
		tasks: []*task{},
		wg:    &sync.WaitGroup{},
	}
}

// Register starts running backgroundTask immediately and then every interval until StopAll is called.
// A panic inside backgroundTask is logged and the loop carries on with the next run.
func (m *BackgroundTaskManager) Register(backgroundTask func(), interval time.Duration, metricName string) {
	task := &task{
		function:    backgroundTask,
		interval:    interval,
		metricName:  metricName,
		stopChannel: make(chan bool),
	}
	m.startBackgroundTask(task)
	m.tasks = append(m.tasks, task)
}

// StopAll stops all tasks and returns true if they didn't finish within the timeout.
func (m *BackgroundTaskManager) StopAll(timeout time.Duration) bool {
	m.stopTasks()
	return m.waitForShutdownCompletion(timeout)
}

func (m *BackgroundTaskManager) startBackgroundTask(task *task) {
	observer := taskDurationHistogram.WithLabelValues(task.metricName)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		runTask(task, observer)

		for {
			select {
			case <-time.After(task.interval):
			case <-task.stopChannel:
				return
			}
			runTask(task, observer)
		}
	}()
}

func runTask(task *task, observer prometheus.Observer) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Background task %s panicked: %v", task.metricName, r)
		}
	}()
	start := time.Now()
	task.function()
	observer.Observe(time.Since(start).Seconds())
}

func (m *BackgroundTaskManager) waitForShutdownCompletion(timeout time.Duration) bool {
	c := make(chan struct{})
	go func() {
		defer close(c)
		m.wg.Wait()
	}()
	select {
	case <-c:
		return false // completed normally
	case <-time.After(timeout):
		return true // timed out
	}
}

func (m *BackgroundTaskManager) stopTasks() {
	for _, task := range m.tasks {
		close(task.stopChannel)
	}
	m.tasks = nil
}
