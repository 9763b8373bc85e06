package scheduler

import "github.com/relaycode/cah/internal/invoker"

func evolutionRequest(cfg Config) invoker.Request {
	return invoker.Request{
		Prompt: cfg.EvolutionPrompt,
		Model:  cfg.EvolutionModel,
	}
}
