package classifier

func texts(words ...string) []Indicator {
	out := make([]Indicator, 0, len(words))
	for _, w := range words {
		out = append(out, Indicator{Text: w, Weight: 1})
	}
	return out
}

// DefaultSets returns the indicator sets used when a monitor configures
// none. Order matters: rate limiting is checked before rejections, and
// rejections before success, so a tie never reads as a claim.
func DefaultSets() []Set {
	return []Set{
		{
			Class:       RateLimited,
			Indicators:  texts("频繁", "稍后再试", "请等待", "too many requests", "flood", "秒后"),
			Anchors:     []string{"操作过于频繁"},
			WaitPattern: `(\d+)\s*(秒|s|sec|seconds|分钟|分|min|minutes)`,
		},
		{
			Class: AlreadyUsed,
			Indicators: texts("已被使用", "已使用", "已满", "暂时停止注册", "已关闭",
				"名额不足", "已领取", "来晚了", "already used"),
			Anchors: []string{"注册码已被使用", "暂时停止注册"},
		},
		{
			Class:      Invalid,
			Indicators: texts("无效", "错误", "失败", "不符合要求", "用户名已存在", "验证码错误", "invalid"),
			Anchors:    []string{"验证码错误", "用户名已存在"},
		},
		{
			Class:      Success,
			Indicators: texts("注册成功", "成功", "恭喜", "已经收到了", "邀请注册资格", "success", "congratulations"),
			Anchors:    []string{"注册成功", "签到成功"},
		},
		{
			Class: AwaitingInput,
			Indicators: texts("请输入", "请发送", "进入注册状态", "对我发送", "120s内发送",
				"验证码", "用户名", "安全码"),
			Anchors: []string{"进入注册状态", "请发送注册码"},
		},
	}
}

// NewDefault builds a classifier over DefaultSets
func NewDefault() *IndicatorClassifier {
	c, err := New(Config{Sets: DefaultSets()})
	if err != nil {
		panic(err)
	}
	return c
}
