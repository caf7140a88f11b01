package worker

import "movieanalyzer/internal/models"

type workerReturn struct {
	analysis *models.Analysis
	question *models.Message
	answer   *models.Message
	err      error
}

type Worker struct {
	manager    *Manager
	pool       *jobChannelPool
	jobChannel chan Job
}

func NewWorker(pool *jobChannelPool, manager *Manager) *Worker {
	return &Worker{
		manager:    manager,
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) Start() {
	go func() {
		for job := range w.jobChannel {
			switch job.Type {
			case Stop:
				w.pool.retire(w.jobChannel)
				return
			case Analyze:
				w.manager.handleAnalyze(job.AnalyzeTask)
			case Ask:
				w.manager.handleAsk(job.AskTask)
			}
			if w.pool.onDone != nil {
				w.pool.onDone(job.visitorID())
			}
			w.pool.Release(w.jobChannel)
		}
	}()
}
