package task

// File 任务关联的临时文件内容。
//
// 不随 Task 序列化 — 进程重启后文件必然丢失, 恢复逻辑据此判定
// INTERRUPTED_BY_REFRESH / FILE_REQUIRED。
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// InputKeyUploadFileID workflow.run 输入中引用已上传文件的键。
// 缺失该键时工作流依赖进程内的临时文件。
const InputKeyUploadFileID = "uploadFileId"

// NeedsFile 判断任务是否依赖临时文件才能 (重) 执行。
// 重启恢复与手动重试据此判定 INTERRUPTED_BY_REFRESH / FILE_REQUIRED。
func NeedsFile(t *Task) bool {
	switch t.Type {
	case TypeUploadDocument:
		return true
	case TypeWorkflowRun:
		return t.InputStr(InputKeyUploadFileID) == ""
	default:
		return false
	}
}
