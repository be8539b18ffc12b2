package session

// Этапы протокола записи
const (
	StageBaselineRelaxed = "1_Baseline_Relaxed"
	StageCognitiveWarmup = "2_Cognitive_Warmup"
	StageFocusedTask     = "3_Focused_Task"
	StagePostTaskRest    = "4_Post_Task_Rest"
)

var stageOrder = []string{
	StageBaselineRelaxed,
	StageCognitiveWarmup,
	StageFocusedTask,
	StagePostTaskRest,
}

var stageInstructions = map[string]string{
	StageBaselineRelaxed: "Close your eyes, relax, and listen to calming music or nature sounds.",
	StageCognitiveWarmup: "Do simple tasks like basic arithmetic or identify colors. Nothing too hard.",
	StageFocusedTask:     "Perform a focused task (e.g., mental math, reading, or debugging). Stay concentrated.",
	StagePostTaskRest:    "Return to a relaxed state. Breathe deeply, eyes closed, no task.",
}

// Stages список этапов в порядке протокола
func Stages() []string {
	return append([]string(nil), stageOrder...)
}

// Instructions текст инструкции для этапа
func Instructions(stage string) (string, bool) {
	text, ok := stageInstructions[stage]
	return text, ok
}
