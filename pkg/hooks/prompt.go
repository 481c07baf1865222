package hooks

import "context"

// UserPromptSubmit intercepts /commands first, then races the memory
// retrievers for context to inject alongside the prompt.
func (a *Adapters) UserPromptSubmit(ctx context.Context, in *Input) (*Result, error) {
	if a.Router != nil {
		if res, handled := a.Router.Route(ctx, in.Prompt); handled {
			return res, nil
		}
	}

	if !a.RetrieverEnabled || in.SessionID == "" || in.Prompt == "" {
		return Allow(), nil
	}

	contextText, err := a.Retriever.Retrieve(ctx, in.SessionID, in.Prompt)
	if err != nil {
		return nil, err
	}
	if contextText == "" {
		return Allow(), nil
	}
	if len(contextText) > MaxContextChars {
		contextText = contextText[:MaxContextChars]
	}

	return &Result{
		Output:   NewOutput("UserPromptSubmit", contextText),
		ExitCode: ExitAllow,
	}, nil
}
