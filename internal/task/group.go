package task

import "math"

// ========================================
// 组进度聚合
// ========================================

// GroupError 同一错误在组内的聚合 (按 code 或 message 归组)。
type GroupError struct {
	Message string   `json:"message"`
	Count   int      `json:"count"`
	TaskIDs []string `json:"taskIds"`
}

// GroupProgress 任务组的整体进度快照。
type GroupProgress struct {
	GroupID        string                 `json:"groupId"`
	TotalTasks     int                    `json:"totalTasks"`
	Completed      int                    `json:"completed"`
	Succeeded      int                    `json:"succeeded"`
	Failed         int                    `json:"failed"`
	Canceled       int                    `json:"canceled"`
	Running        int                    `json:"running"`
	Pending        int                    `json:"pending"`
	Percentage     int                    `json:"percentage"`
	TaskProgresses map[string]float64     `json:"taskProgresses"`
	ErrorGroups    map[string]*GroupError `json:"errorGroups"`
}

// CalculateGroupProgress 汇总一组任务的进度与错误分布。
func CalculateGroupProgress(tasks []*Task) GroupProgress {
	gp := GroupProgress{
		TaskProgresses: make(map[string]float64, len(tasks)),
		ErrorGroups:    make(map[string]*GroupError),
	}
	if len(tasks) == 0 {
		return gp
	}
	gp.GroupID = tasks[0].GroupID
	gp.TotalTasks = len(tasks)

	for _, t := range tasks {
		switch t.Status {
		case StatusSucceeded:
			gp.Succeeded++
		case StatusFailed:
			gp.Failed++
		case StatusCanceled:
			gp.Canceled++
		case StatusRunning:
			gp.Running++
		case StatusPending, StatusPaused:
			gp.Pending++
		}
		gp.TaskProgresses[t.ID] = CalculateProgress(t)

		if t.Error != nil {
			key := t.Error.Code
			if key == "" {
				key = t.Error.Message
			}
			if g, ok := gp.ErrorGroups[key]; ok {
				g.Count++
				g.TaskIDs = append(g.TaskIDs, t.ID)
			} else {
				gp.ErrorGroups[key] = &GroupError{
					Message: t.Error.Message,
					Count:   1,
					TaskIDs: []string{t.ID},
				}
			}
		}
	}

	gp.Completed = gp.Succeeded + gp.Failed + gp.Canceled
	gp.Percentage = int(math.Round(float64(gp.Completed) / float64(gp.TotalTasks) * 100))
	return gp
}
