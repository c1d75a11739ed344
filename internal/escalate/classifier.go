package escalate

import "regexp"

// Result 分类结果，两项检查相互独立，可同时命中
type Result struct {
	Uncertain bool
	Closing   bool
}

// Classifier 话术分类器
// 接口化以便将来替换为模型分类器而不触碰中继逻辑
type Classifier interface {
	Classify(text string) Result
}

// RegexClassifier 基于固定短语集的正则分类器
// 覆盖英语和印尼语的不确定/结束用语，这是启发式而非保证，
// 误报漏报均可接受
type RegexClassifier struct {
	uncertain *regexp.Regexp
	closing   *regexp.Regexp
}

var (
	uncertainPattern = regexp.MustCompile(`(?i)\b(i('?m)? not sure|i do not know|i don't know|i may be wrong|i might be wrong|not sure|uncertain|unable to help|recommend transfer|please transfer)\b`)
	closingPattern   = regexp.MustCompile(`(?i)\b(call (is )?(closed|ended)|goodbye|terima kasih|panggilan (ditutup|selesai)|end of call|session closed)\b`)
)

// NewRegexClassifier 创建默认正则分类器
func NewRegexClassifier() *RegexClassifier {
	return &RegexClassifier{
		uncertain: uncertainPattern,
		closing:   closingPattern,
	}
}

// Classify 对最终话术文本执行两项独立检查
func (c *RegexClassifier) Classify(text string) Result {
	return Result{
		Uncertain: c.uncertain.MatchString(text),
		Closing:   c.closing.MatchString(text),
	}
}
