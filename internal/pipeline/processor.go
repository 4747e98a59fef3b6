// Package pipeline 定义了子标签页内容生成的后台流程。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"gamehub-go/internal/config"
	"gamehub-go/internal/model"
	"gamehub-go/internal/service"
	"gamehub-go/pkg/llm"
	"gamehub-go/pkg/log"
	"gamehub-go/pkg/tasks"
	"strings"
	"unicode/utf8"
)

const defaultSubTabPrompt = "Write the %s section for the video game %s. Be concise, use short paragraphs and bullet points, and avoid major story spoilers unless the section is about the story."

// Processor 消费子标签页生成任务，用大模型填充 pending 状态的子标签页。
type Processor struct {
	store  service.ConversationStore
	llm    llm.Client
	llmCfg config.LLMConfig
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(store service.ConversationStore, llmClient llm.Client, llmCfg config.LLMConfig) *Processor {
	return &Processor{
		store:  store,
		llm:    llmClient,
		llmCfg: llmCfg,
	}
}

// Process 依次生成任务中的子标签页。单个子标签页失败会标记为 failed，其余继续生成。
func (p *Processor) Process(ctx context.Context, task tasks.SubTabPopulationTask) error {
	log.Infof("[Processor] 开始生成子标签页, conversation: %s, game: %s, count: %d", task.ConversationID, task.GameName, len(task.SubTabIDs))

	// 1. 读取当前子标签页
	subTabs, err := p.store.SubTabs(ctx, task.ConversationID)
	if err != nil {
		if errors.Is(err, service.ErrConversationNotFound) {
			log.Warnf("[Processor] 会话已不存在，跳过任务: %s", task.ConversationID)
			return nil
		}
		return fmt.Errorf("读取子标签页失败: %w", err)
	}
	byID := make(map[string]model.SubTab, len(subTabs))
	for _, st := range subTabs {
		byID[st.ID] = st
	}

	// 2. 逐个生成
	var errs []error
	for i, id := range task.SubTabIDs {
		st, ok := byID[id]
		if !ok {
			log.Warnf("[Processor] 子标签页不存在: %s", id)
			continue
		}
		// 重投的任务跳过已完成的子标签页
		if st.Status == model.SubTabReady {
			continue
		}

		log.Infof("[Processor] 正在生成 %d/%d, type: %s", i+1, len(task.SubTabIDs), st.Type)
		content, genErr := p.generate(ctx, task.GameName, st)
		if genErr != nil {
			log.Errorf("[Processor] 生成失败, subtab: %s, error: %v", st.ID, genErr)
			st.Status = model.SubTabFailed
			errs = append(errs, fmt.Errorf("subtab %s: %w", st.ID, genErr))
		} else {
			st.Content = content
			st.Status = model.SubTabReady
		}

		if _, err := p.store.SaveSubTab(ctx, st); err != nil {
			errs = append(errs, fmt.Errorf("save subtab %s: %w", st.ID, err))
			continue
		}
		log.Infof("[Processor] 子标签页已保存, type: %s, status: %s, 长度: %d 字符", st.Type, st.Status, utf8.RuneCountInString(st.Content))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	log.Infof("[Processor] 子标签页生成完成, conversation: %s", task.ConversationID)
	return nil
}

func (p *Processor) generate(ctx context.Context, gameName string, st model.SubTab) (string, error) {
	tmpl := p.llmCfg.Prompt.SubTab
	if strings.Count(tmpl, "%s") != 2 {
		tmpl = defaultSubTabPrompt
	}
	msgs := []llm.Message{{Role: "user", Content: fmt.Sprintf(tmpl, strings.ToLower(st.Name), gameName)}}
	if rules := p.llmCfg.Prompt.Rules; rules != "" {
		msgs = append([]llm.Message{{Role: "system", Content: rules}}, msgs...)
	}

	content, err := p.llm.Complete(ctx, msgs, llm.ParamsFromConfig(p.llmCfg.Generation))
	if err != nil {
		return "", err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return "", llm.ErrMalformedResponse
	}
	return content, nil
}
